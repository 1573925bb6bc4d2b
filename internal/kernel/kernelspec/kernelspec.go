package kernelspec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"pkt.systems/notebuf/schema"
	"pkt.systems/pslog"
)

// Spec is one installed kernelspec (kernel.json plus its location).
type Spec struct {
	Name          string            `json:"-"`
	Dir           string            `json:"-"`
	Argv          []string          `json:"argv"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Ref returns the notebook metadata entry for the spec.
func (s Spec) Ref() *schema.KernelSpecRef {
	return &schema.KernelSpecRef{Name: s.Name, DisplayName: s.DisplayName, Language: s.Language}
}

// MessageInterrupt reports whether interrupts are sent as interrupt_request.
func (s Spec) MessageInterrupt() bool {
	return s.InterruptMode == "message"
}

// DataDirs returns the jupyter data directories in search order:
// JUPYTER_PATH entries, the user data dir, then system dirs.
func DataDirs() []string {
	var dirs []string
	if env := os.Getenv("JUPYTER_PATH"); env != "" {
		for _, dir := range filepath.SplitList(env) {
			if dir != "" {
				dirs = append(dirs, dir)
			}
		}
	}
	dirs = append(dirs, UserDataDir())
	if runtime.GOOS != "windows" {
		dirs = append(dirs, "/usr/local/share/jupyter", "/usr/share/jupyter")
	}
	return dirs
}

// UserDataDir returns the per-user jupyter data directory.
func UserDataDir() string {
	if dir := os.Getenv("JUPYTER_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "jupyter")
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Jupyter")
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "jupyter")
		}
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "jupyter")
	}
	return filepath.Join(home, ".local", "share", "jupyter")
}

// RuntimeDir returns the directory holding kernel connection files.
func RuntimeDir() string {
	if dir := os.Getenv("JUPYTER_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(UserDataDir(), "runtime")
}

// Discover reads every kernelspec under dirs. A name found in an earlier
// directory shadows later ones.
func Discover(ctx context.Context, dirs []string) ([]Spec, error) {
	log := pslog.Ctx(ctx)
	seen := make(map[string]bool)
	var specs []Spec
	for _, dir := range dirs {
		root := filepath.Join(dir, "kernels")
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) && log != nil {
				log.Debug("kernelspec dir unreadable", "dir", root, "err", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			name := strings.ToLower(entry.Name())
			if seen[name] {
				continue
			}
			spec, err := Load(filepath.Join(root, entry.Name()))
			if err != nil {
				if log != nil {
					log.Warn("kernelspec invalid", "dir", filepath.Join(root, entry.Name()), "err", err)
				}
				continue
			}
			spec.Name = name
			seen[name] = true
			specs = append(specs, spec)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// Load reads dir/kernel.json.
func Load(dir string) (Spec, error) {
	data, err := os.ReadFile(filepath.Join(dir, "kernel.json"))
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode kernel.json: %w", err)
	}
	if len(spec.Argv) == 0 {
		return Spec{}, fmt.Errorf("kernel.json in %s has empty argv", dir)
	}
	spec.Dir = dir
	spec.Name = strings.ToLower(filepath.Base(dir))
	return spec, nil
}

// Find returns the spec named name. An empty name selects python3 when
// installed, otherwise the first spec.
func Find(ctx context.Context, dirs []string, name string) (Spec, error) {
	specs, err := Discover(ctx, dirs)
	if err != nil {
		return Spec{}, err
	}
	name = strings.ToLower(schema.NormalizeKernelName(name))
	if name == "" {
		for _, spec := range specs {
			if spec.Name == "python3" {
				return spec, nil
			}
		}
		if len(specs) > 0 {
			return specs[0], nil
		}
		return Spec{}, schema.ErrNoSuchKernel
	}
	for _, spec := range specs {
		if spec.Name == name {
			return spec, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: %s", schema.ErrNoSuchKernel, name)
}

// FindByLanguage returns the first spec whose language matches.
func FindByLanguage(ctx context.Context, dirs []string, language string) (Spec, error) {
	specs, err := Discover(ctx, dirs)
	if err != nil {
		return Spec{}, err
	}
	for _, spec := range specs {
		if strings.EqualFold(spec.Language, language) {
			return spec, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: no kernel for language %s", schema.ErrNoSuchKernel, language)
}

// Command expands the argv template for a connection file.
func (s Spec) Command(connectionFile string) []string {
	out := make([]string, len(s.Argv))
	for i, arg := range s.Argv {
		arg = strings.ReplaceAll(arg, "{connection_file}", connectionFile)
		arg = strings.ReplaceAll(arg, "{resource_dir}", s.Dir)
		out[i] = arg
	}
	return out
}
