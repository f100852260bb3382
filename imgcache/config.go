package imgcache

import (
	"encoding"
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

type Config struct {
	BuildInfo BuildInfo

	ServerPort int
	Dir        string

	// IconSize is the target size of icons. If it is 0, the size is derived from DisplayDPI.
	IconSize   int
	DisplayDPI int

	MemoryCacheRetain int
	NegativeCacheSize int
	NegativeCacheTTL  time.Duration

	CacheMaxAge  time.Duration
	CacheMaxSize MiB

	Download DownloadConfig

	Rclone      RcloneConfig
	ResourceDir string
	ContentDir  string

	// Debug options

	LogLevel rlog.Level
}

type BuildInfo struct {
	ShortGitHash string
	CommitTime   string
}

type RcloneConfig struct {
	// URL of an existing instance. It can't be used together with Target.
	URL string
	// Target is passed to 'rclone serve http' started by the app.
	Target string
	Port   int
}

type DownloadConfig struct {
	Workers    int
	RPS        int
	Timeout    time.Duration
	RetryCount int
}

type MiB int

func (mb MiB) Bytes() int64 {
	return int64(mb) << 20
}

func (mb MiB) String() string {
	text, _ := mb.MarshalText()
	return string(text)
}

func (mb MiB) MarshalText() (text []byte, err error) {
	if mb >= 1024 && mb%1024 == 0 {
		return []byte(strconv.Itoa(int(mb/1024)) + "Gi"), nil
	}
	return []byte(strconv.Itoa(int(mb)) + "Mi"), nil
}

func (mb *MiB) UnmarshalText(data []byte) error {
	text := string(data)

	mul := 1
	switch {
	case strings.HasSuffix(text, "Mi"):
	case strings.HasSuffix(text, "Gi"):
		mul = 1024
	default:
		return fmt.Errorf("valid suffixes: Mi, Gi")
	}
	n, err := strconv.Atoi(text[:len(text)-2])
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	*mb = MiB(n * mul)
	return nil
}

type flagParams struct {
	// p is a pointer to a value.
	p            any
	defaultValue any
	desc         string
}

func (cfg *Config) getFlagParams() map[string]flagParams {
	return map[string]flagParams{
		"port": {
			p: &cfg.ServerPort, defaultValue: 8080, desc: "Server port",
		},
		"dir": {
			p: &cfg.Dir, defaultValue: "./var", desc: "Directory for app data (icons, images and preferences)",
		},
		//
		"icon-size": {
			p: &cfg.IconSize, defaultValue: 0, desc: "Target size of icons in pixels, 0 to derive it from --display-dpi",
		},
		"display-dpi": {
			p: &cfg.DisplayDPI, defaultValue: 320, desc: "" +
				"Display density used to derive the icon size. Density buckets:\n" +
				"  120 -> 96px, 160 -> 144px, 240 -> 216px, 320 -> 288px, 480 -> 432px, other -> 576px",
		},
		//
		"memory-cache-retain": {
			p: &cfg.MemoryCacheRetain, defaultValue: 64, desc: "" +
				"Number of recently used images that are kept in memory even without other\n" +
				"references, 0 to rely only on garbage collector",
		},
		"negative-cache-size": {
			p: &cfg.NegativeCacheSize, defaultValue: 10_000, desc: "Max number of remembered invalid image identifiers",
		},
		"negative-cache-ttl": {
			p: &cfg.NegativeCacheTTL, defaultValue: time.Hour, desc: "How long invalid image identifiers are remembered",
		},
		//
		"cache-max-age": {
			p: &cfg.CacheMaxAge, defaultValue: time.Duration(0), desc: "Max age of cached icons and images, 0 to keep them forever",
		},
		"cache-max-size": {
			p: &cfg.CacheMaxSize, defaultValue: MiB(0), desc: "Max total size of cached icons and images (per directory), 0 for no limit",
		},
		//
		"download-workers": {
			p: &cfg.Download.Workers, defaultValue: runtime.NumCPU(), desc: "Max number of concurrent image downloads",
		},
		"download-rps": {
			p: &cfg.Download.RPS, defaultValue: 0, desc: "Max number of download requests per second, 0 for no limit",
		},
		"download-timeout": {
			p: &cfg.Download.Timeout, defaultValue: time.Minute, desc: "Timeout of a single image download",
		},
		"download-retry-count": {
			p: &cfg.Download.RetryCount, defaultValue: 2, desc: "Number of retries of failed downloads",
		},
		//
		"rclone-url": {
			p: &cfg.Rclone.URL, defaultValue: "", desc: "" +
				"Url of an existing 'rclone serve http' instance, optional. If url is specified,\n" +
				"'rclone:' identifiers are fetched from it",
		},
		"rclone-target": {
			p: &cfg.Rclone.Target, defaultValue: "", desc: "" +
				"Rclone target, optional. If target is specified, the app starts 'rclone serve http'\n" +
				"and fetches 'rclone:' identifiers from it",
		},
		"rclone-port": {
			p: &cfg.Rclone.Port, defaultValue: 8181, desc: "Port of the started rclone instance",
		},
		"resource-dir": {
			p: &cfg.ResourceDir, defaultValue: "", desc: "Directory with resources for 'res://<type>/<name>' identifiers, optional",
		},
		"content-dir": {
			p: &cfg.ContentDir, defaultValue: "", desc: "Directory with indexed content for 'content://' identifiers, optional",
		},
		//
		"log-level": {
			p: &cfg.LogLevel, defaultValue: rlog.LevelInfo, desc: "Set the minimal log level. One of: debug, info, warn, error",
		},
	}
}

func ParseConfig() (Config, error) {
	return parseConfig(flag.CommandLine, os.Args[1:])
}

func parseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{
		BuildInfo: readBuildInfo(),
	}

	var printVersion bool
	fs.BoolVar(&printVersion, "version", false, "Print version and exit")

	flags := cfg.getFlagParams()
	for name, params := range flags {
		switch p := params.p.(type) {
		case *bool:
			fs.BoolVar(p, name, params.defaultValue.(bool), params.desc)
		case *int:
			fs.IntVar(p, name, params.defaultValue.(int), params.desc)
		case *int64:
			fs.Int64Var(p, name, params.defaultValue.(int64), params.desc)
		case *string:
			fs.StringVar(p, name, params.defaultValue.(string), params.desc)
		case *time.Duration:
			fs.DurationVar(p, name, params.defaultValue.(time.Duration), params.desc)
		case encoding.TextUnmarshaler:
			fs.TextVar(p, name, params.defaultValue.(encoding.TextMarshaler), params.desc)
		default:
			return Config{}, fmt.Errorf("flag %q has unsupported type: %T", name, p)
		}
	}

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if printVersion {
		cfg.BuildInfo.Print()
		os.Exit(0)
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	if cfg.ServerPort == 0 {
		return errors.New("server port must be > 0")
	}
	if cfg.Dir == "" {
		return errors.New("dir can't be empty")
	}
	if cfg.IconSize < 0 {
		return errors.New("icon size can't be negative")
	}
	if cfg.NegativeCacheSize <= 0 {
		return errors.New("negative cache size must be > 0")
	}
	if cfg.Download.Workers <= 0 {
		return errors.New("download workers must be > 0")
	}
	if cfg.Rclone.URL != "" && cfg.Rclone.Target != "" {
		return errors.New("rclone url and rclone target can't be used together")
	}
	if cfg.Rclone.Target != "" && cfg.Rclone.Port <= 0 {
		return errors.New("rclone port must be > 0")
	}
	return nil
}

func readBuildInfo() BuildInfo {
	res := BuildInfo{
		ShortGitHash: "unknown",
		CommitTime:   "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return res
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			res.ShortGitHash = s.Value
			if len(res.ShortGitHash) > 7 {
				res.ShortGitHash = res.ShortGitHash[:7]
			}

		case "vcs.time":
			t, err := time.Parse(time.RFC3339, s.Value)
			if err == nil {
				res.CommitTime = t.UTC().Format("2006-01-02 15:04:05 UTC")
			}
		}
	}
	return res
}

func (info BuildInfo) Print() {
	fmt.Fprintf(os.Stderr, `
    imgcache

    Commit Hash: %q
    Commit Time: %q

`,
		info.ShortGitHash,
		info.CommitTime,
	)
}

func (cfg Config) Print() {
	flags := cfg.getFlagParams()

	var (
		names         = make([]string, 0, len(flags))
		maxNameLength int
	)
	for name := range flags {
		if len(name) > maxNameLength {
			maxNameLength = len(name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	fmt.Fprint(os.Stderr, "    Config:\n\n")
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "        --%-*s = %v\n", maxNameLength, name, reflect.ValueOf(flags[name].p).Elem())
	}
	fmt.Fprint(os.Stderr, "\n")
}
