package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

func TestRcloneResolver(t *testing.T) {
	t.Parallel()

	resolver, err := NewRcloneResolver("http://localhost:8181")
	require.NoError(t, err)

	for _, tt := range []struct {
		id      string
		want    string
		wantErr error
	}{
		{id: "rclone:photos/1.jpg", want: "http://localhost:8181/photos/1.jpg"},
		{id: "rclone:/photos/1.jpg", want: "http://localhost:8181/photos/1.jpg"},
		{id: "rclone:/photos/summer 2024/1.jpg", want: "http://localhost:8181/photos/summer%202024/1.jpg"},
		{id: "rclone:", wantErr: imgcache.ErrUnsupported},
		{id: "smb://host/1.jpg", wantErr: imgcache.ErrUnsupported},
	} {
		t.Run(tt.id, func(t *testing.T) {
			r := require.New(t)

			id := imgcache.MustParseIdentifier(tt.id)
			got, err := resolver.ToFetchable(id)
			if tt.wantErr != nil {
				r.ErrorIs(err, tt.wantErr)
				return
			}
			r.NoError(err)
			r.Equal(tt.want, got.String())
			r.True(got.IsNetwork())
		})
	}
}

func TestRcloneResolver_NotConfigured(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	resolver, err := NewRcloneResolver("")
	r.NoError(err)
	r.True(resolver.IsSupportedScheme(RcloneScheme))

	_, err = resolver.ToFetchable(imgcache.MustParseIdentifier("rclone:photos/1.jpg"))
	r.ErrorIs(err, imgcache.ErrUnsupported)

	_, err = NewRcloneResolver("ftp://localhost")
	r.Error(err)
}
