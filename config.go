package nest

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/meigma/nest/internal/weakcache"
	"github.com/meigma/nest/internal/ziprewrite"
)

// Default limits.
const (
	DefaultPreExtractMemoryLimit int64 = 16 << 20 // 16 MB per entry
	DefaultTempMaxBytes          int64 = 1 << 30  // 1 GB
)

// Duration is a time.Duration that decodes from strings such as "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// FormatConfig enables a format and sets the extensions it claims.
type FormatConfig struct {
	Enabled    bool     `toml:"enabled"`
	Extensions []string `toml:"extensions"`
}

// Config is the read-only configuration of a Manager.
type Config struct {
	Zip      FormatConfig `toml:"zip"`
	SevenZip FormatConfig `toml:"sevenzip"`
	Pdf      FormatConfig `toml:"pdf"`
	Plugin   FormatConfig `toml:"plugin"`
	Media    FormatConfig `toml:"media"`
	Playlist FormatConfig `toml:"playlist"`

	// FormatOrder is the detection priority among Zip, SevenZip, Pdf, Media
	// and Plugin. Playlists are always checked first.
	FormatOrder []Kind `toml:"format_order"`

	// PluginFirst moves Plugin to the front of FormatOrder.
	PluginFirst bool `toml:"plugin_first"`

	// Recursive expands nested archives in ExpandEntries.
	Recursive bool `toml:"recursive"`

	// ExcludedPaths lists path segments hidden from listings, compared
	// without case.
	ExcludedPaths []string `toml:"excluded_paths"`

	// ZipEncoding names the encoding of zip entry names that are not
	// flagged as UTF-8. "auto" keeps valid UTF-8 and falls back to CP437.
	ZipEncoding string `toml:"zip_encoding"`

	// PreExtractMemoryLimit is the largest entry kept in memory during
	// pre-extraction. Larger entries go to temp files.
	PreExtractMemoryLimit int64 `toml:"pre_extract_memory_limit"`

	TempDir      string `toml:"temp_dir"`
	TempMaxBytes int64  `toml:"temp_max_bytes"`

	// ImageExtensions classifies entries for FirstImage.
	ImageExtensions []string `toml:"image_extensions"`

	CacheSweepThreshold int      `toml:"cache_sweep_threshold"`
	ReplaceRetries      int      `toml:"replace_retries"`
	ReplaceDelay        Duration `toml:"replace_delay"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Zip:      FormatConfig{Enabled: true, Extensions: []string{"zip", "cbz"}},
		SevenZip: FormatConfig{Enabled: true, Extensions: []string{"7z", "cb7"}},
		Pdf:      FormatConfig{Enabled: true, Extensions: []string{"pdf"}},
		Plugin: FormatConfig{Enabled: true, Extensions: []string{
			"rar", "cbr", "tar", "cbt", "tgz", "tar.gz", "tar.bz2", "tar.xz", "tar.zst",
		}},
		Media: FormatConfig{Enabled: true, Extensions: []string{
			"mp4", "m4v", "webm", "mkv", "mov", "avi", "mp3", "flac", "wav", "ogg",
		}},
		Playlist:              FormatConfig{Enabled: true, Extensions: []string{"playlist"}},
		FormatOrder:           []Kind{KindZip, KindSevenZip, KindPdf, KindMedia, KindPlugin},
		ExcludedPaths:         []string{"__MACOSX", ".DS_Store", "Thumbs.db"},
		ZipEncoding:           "auto",
		PreExtractMemoryLimit: DefaultPreExtractMemoryLimit,
		TempMaxBytes:          DefaultTempMaxBytes,
		ImageExtensions: []string{
			"jpg", "jpeg", "png", "gif", "webp", "bmp", "avif", "jxl", "tif", "tiff",
		},
		CacheSweepThreshold: weakcache.DefaultSweepThreshold,
		ReplaceRetries:      ziprewrite.DefaultReplaceRetries,
		ReplaceDelay:        Duration(ziprewrite.DefaultReplaceDelay),
	}
}

// LoadConfig reads a TOML configuration file. Keys missing from the file
// keep their DefaultConfig values; unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("nest: load config %s: %w", path, err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, 0, len(unknown))
		for _, key := range unknown {
			keys = append(keys, key.String())
		}
		return Config{}, fmt.Errorf("nest: unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("nest: load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for _, k := range c.FormatOrder {
		switch k {
		case KindZip, KindSevenZip, KindPdf, KindMedia, KindPlugin:
		default:
			return fmt.Errorf("format_order: %s cannot be ordered", k)
		}
	}
	if c.PreExtractMemoryLimit < 0 {
		return fmt.Errorf("pre_extract_memory_limit: must not be negative")
	}
	return nil
}

// format returns the settings for k.
func (c *Config) format(k Kind) FormatConfig {
	switch k {
	case KindZip:
		return c.Zip
	case KindSevenZip:
		return c.SevenZip
	case KindPdf:
		return c.Pdf
	case KindPlugin:
		return c.Plugin
	case KindMedia:
		return c.Media
	case KindPlaylist:
		return c.Playlist
	default:
		return FormatConfig{}
	}
}

// priority returns the detection order: Playlist, then FormatOrder with
// Plugin optionally promoted, skipping disabled formats. Kinds missing from
// FormatOrder are appended in their default order.
func (c *Config) priority() []Kind {
	order := slices.Clone(c.FormatOrder)
	for _, k := range DefaultConfig().FormatOrder {
		if !slices.Contains(order, k) {
			order = append(order, k)
		}
	}
	if c.PluginFirst {
		if i := slices.Index(order, KindPlugin); i > 0 {
			order = slices.Delete(order, i, i+1)
			order = slices.Insert(order, 0, KindPlugin)
		}
	}
	out := make([]Kind, 0, len(order)+1)
	if c.Playlist.Enabled {
		out = append(out, KindPlaylist)
	}
	for _, k := range order {
		if c.format(k).Enabled {
			out = append(out, k)
		}
	}
	return out
}

func (c *Config) clone() Config {
	out := *c
	for _, fc := range []*FormatConfig{&out.Zip, &out.SevenZip, &out.Pdf, &out.Plugin, &out.Media, &out.Playlist} {
		fc.Extensions = slices.Clone(fc.Extensions)
	}
	out.FormatOrder = slices.Clone(c.FormatOrder)
	out.ExcludedPaths = slices.Clone(c.ExcludedPaths)
	out.ImageExtensions = slices.Clone(c.ImageExtensions)
	return out
}
