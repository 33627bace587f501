package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the full provisioning plan.
type Config struct {
	// Camera configures the camera enabler.
	Camera Camera `yaml:"camera" toml:"camera"`
	// Python configures interpreter pinning.
	Python Python `yaml:"python" toml:"python"`
	// Repository configures the third-party apt source.
	Repository Repository `yaml:"repository" toml:"repository"`
	// Packages configures the forced native package install.
	Packages Packages `yaml:"packages" toml:"packages"`
	// Pip lists Python libraries installed after pip upgrades itself.
	Pip Pip `yaml:"pip" toml:"pip"`
	// SDK configures the cloned helper SDK.
	SDK SDK `yaml:"sdk" toml:"sdk"`
	// Models lists model download scripts bundled with the SDK.
	Models Models `yaml:"models" toml:"models"`
	// LockFile is the marker guarding against concurrent runs.
	LockFile string `yaml:"lock_file" toml:"lock_file"`
}

// Camera holds the platform configuration tool settings.
type Camera struct {
	// Tool is the configuration utility looked up on PATH.
	Tool string `yaml:"tool" toml:"tool"`
}

// Python holds the pinned interpreter and the generic links repointed to it.
type Python struct {
	// Version is the human-readable version, used in messages.
	Version string `yaml:"version" toml:"version"`
	// Binary is the versioned interpreter name that must exist on PATH.
	Binary string `yaml:"binary" toml:"binary"`
	// Interpreter is the installed interpreter the python link points to.
	Interpreter string `yaml:"interpreter" toml:"interpreter"`
	// Pip is the installed pip the pip link points to.
	Pip string `yaml:"pip" toml:"pip"`
	// InterpreterLink is the generic interpreter command path.
	InterpreterLink string `yaml:"interpreter_link" toml:"interpreter_link"`
	// PipLink is the generic pip command path.
	PipLink string `yaml:"pip_link" toml:"pip_link"`
}

// Repository holds the package source entry and its signing key.
type Repository struct {
	// ListFile receives Entry, overwritten on every run.
	ListFile string `yaml:"list_file" toml:"list_file"`
	// Entry is the single package source line.
	Entry string `yaml:"entry" toml:"entry"`
	// KeyURL is where the signing key is downloaded from.
	KeyURL string `yaml:"key_url" toml:"key_url"`
}

// Packages holds the ordered force-install list.
type Packages struct {
	// Names is the ordered list of packages to download.
	Names []string `yaml:"names" toml:"names"`
	// DownloadDir is the scratch directory for package files.
	DownloadDir string `yaml:"download_dir" toml:"download_dir"`
}

// Pip holds the extra Python libraries.
type Pip struct {
	// Packages are installed in one pip invocation.
	Packages []string `yaml:"packages" toml:"packages"`
}

// SDK holds the helper SDK source.
type SDK struct {
	// URL is the git repository to clone.
	URL string `yaml:"url" toml:"url"`
	// Dir is the clone destination.
	Dir string `yaml:"dir" toml:"dir"`
}

// Models holds the SDK-relative download scripts.
type Models struct {
	// Scripts are run with bash, each best-effort.
	Scripts []string `yaml:"scripts" toml:"scripts"`
}

const (
	// DefaultFilePermissions is the permission used when saving a plan.
	DefaultFilePermissions = 0o600

	// DefaultLockFile is where the run marker lives unless overridden.
	DefaultLockFile = "/tmp/coral-setup.marker"
)

var (
	errConfigIsNotSet     = errors.New("configuration is not set")
	errFieldRequired      = errors.New("field is required")
	errPathNotAbsolute    = errors.New("path must be absolute")
	errInvalidEntry       = errors.New("repository entry must start with \"deb \"")
	errUnsupportedFormat  = errors.New("unsupported configuration format")
	errNoPackages         = errors.New("package list is empty")
	errUnresolvedHomePath = errors.New("cannot expand home directory")
)

// Default returns the built-in plan.
func Default() *Config {
	return &Config{
		Camera: Camera{
			Tool: "raspi-config",
		},
		Python: Python{
			Version:         "3.9",
			Binary:          "python3.9",
			Interpreter:     "/usr/local/bin/python3.9",
			Pip:             "/usr/local/bin/pip3.9",
			InterpreterLink: "/usr/bin/python3",
			PipLink:         "/usr/bin/pip3",
		},
		Repository: Repository{
			ListFile: "/etc/apt/sources.list.d/coral-edgetpu.list",
			Entry:    "deb https://packages.cloud.google.com/apt coral-edgetpu-stable main",
			KeyURL:   "https://packages.cloud.google.com/apt/doc/apt-key.gpg",
		},
		Packages: Packages{
			Names: []string{
				"libedgetpu1-max",
				"python3-pycoral",
				"python3-tflite-runtime",
				"python3-pyaudio",
				"python3-opencv",
				"libatlas-base-dev",
				"zip",
				"unzip",
			},
			DownloadDir: "~/coral-pkgs",
		},
		Pip: Pip{
			Packages: []string{"pynput", "tflite-support"},
		},
		SDK: SDK{
			URL: "https://github.com/google-coral/aiy-maker-kit",
			Dir: "~/aiy-maker-kit",
		},
		Models: Models{
			Scripts: []string{
				"examples/download_models.sh",
				"projects/download_models.sh",
			},
		},
		LockFile: DefaultLockFile,
	}
}

// Load reads a plan from path on top of the defaults and validates it.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		contents, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read plan: %w", err)
		}

		if err = decode(path, contents, cfg); err != nil {
			return nil, err
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg to path; the extension picks YAML or TOML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	var (
		data []byte
		err  error
	)

	switch format(path) {
	case "toml":
		var buf bytes.Buffer

		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	case "yaml":
		data, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("%s: %w", path, errUnsupportedFormat)
	}

	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}

	return nil
}

// Validate checks required fields, fills defaults and expands "~/" paths.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	required := map[string]string{
		"camera.tool":             cfg.Camera.Tool,
		"python.binary":           cfg.Python.Binary,
		"python.interpreter":      cfg.Python.Interpreter,
		"python.pip":              cfg.Python.Pip,
		"python.interpreter_link": cfg.Python.InterpreterLink,
		"python.pip_link":         cfg.Python.PipLink,
		"repository.list_file":    cfg.Repository.ListFile,
		"repository.entry":        cfg.Repository.Entry,
		"repository.key_url":      cfg.Repository.KeyURL,
		"packages.download_dir":   cfg.Packages.DownloadDir,
		"sdk.url":                 cfg.SDK.URL,
		"sdk.dir":                 cfg.SDK.Dir,
	}
	for _, name := range sortedKeys(required) {
		if strings.TrimSpace(required[name]) == "" {
			return fmt.Errorf("%s: %w", name, errFieldRequired)
		}
	}

	if cfg.Python.Version == "" {
		cfg.Python.Version = strings.TrimPrefix(cfg.Python.Binary, "python")
	}

	if cfg.LockFile == "" {
		cfg.LockFile = DefaultLockFile
	}

	if len(cfg.Packages.Names) == 0 {
		return errNoPackages
	}

	if !strings.HasPrefix(cfg.Repository.Entry, "deb ") || strings.ContainsAny(cfg.Repository.Entry, "\r\n") {
		return errInvalidEntry
	}

	if _, err := url.ParseRequestURI(cfg.Repository.KeyURL); err != nil {
		return fmt.Errorf("invalid key url: %w", err)
	}

	var err error
	for _, p := range []*string{&cfg.Packages.DownloadDir, &cfg.SDK.Dir, &cfg.LockFile} {
		if *p, err = expandHome(*p); err != nil {
			return err
		}
	}

	paths := map[string]string{
		"python.interpreter":      cfg.Python.Interpreter,
		"python.pip":              cfg.Python.Pip,
		"python.interpreter_link": cfg.Python.InterpreterLink,
		"python.pip_link":         cfg.Python.PipLink,
		"repository.list_file":    cfg.Repository.ListFile,
		"packages.download_dir":   cfg.Packages.DownloadDir,
		"sdk.dir":                 cfg.SDK.Dir,
	}
	for _, name := range sortedKeys(paths) {
		if !filepath.IsAbs(paths[name]) {
			return fmt.Errorf("%s %q: %w", name, paths[name], errPathNotAbsolute)
		}
	}

	return nil
}

func decode(path string, contents []byte, cfg *Config) error {
	switch format(path) {
	case "toml":
		if err := toml.Unmarshal(contents, cfg); err != nil {
			return fmt.Errorf("unmarshal toml plan: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(contents, cfg); err != nil {
			return fmt.Errorf("unmarshal yaml plan: %w", err)
		}
	default:
		return fmt.Errorf("%s: %w", path, errUnsupportedFormat)
	}

	return nil
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnresolvedHomePath, err)
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
