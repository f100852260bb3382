package web

type (
	PersistResponse struct {
		// Digest is the content digest, for example "sha256:<hex>".
		Digest string `json:"digest"`
		// URI is the file identifier that can be passed to '/api/image'.
		URI string `json:"uri"`
	}

	AvailableResponse struct {
		// Available is true if the image exists and is not empty.
		Available bool `json:"available"`
	}

	CleanupResponse struct {
		// Removed is the number of removed preferences.
		Removed int `json:"removed"`
	}
)
