package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// layer 是 include 链上的一个已读取文件。
type layer struct {
	path     string
	settings map[string]any
}

// includeWalker 以深度优先展开 include，保证被引用文件排在引用者之前。
type includeWalker struct {
	visiting map[string]bool
	done     map[string]bool
	out      []layer
}

func expandIncludes(path string) ([]layer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &includeWalker{visiting: map[string]bool{}, done: map[string]bool{}}
	if err := w.visit(abs); err != nil {
		return nil, err
	}
	return w.out, nil
}

func (w *includeWalker) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case w.visiting[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case w.done[path]:
		return nil
	}
	w.visiting[path] = true
	defer delete(w.visiting, path)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败 (%s): %w", path, err)
	}
	refs, err := includeRefs(v.Get("include"))
	if err != nil {
		return fmt.Errorf("解析 include 失败 (%s): %w", path, err)
	}
	for _, ref := range refs {
		if !filepath.IsAbs(ref) {
			ref = filepath.Join(filepath.Dir(path), ref)
		}
		if err := w.visit(ref); err != nil {
			return err
		}
	}
	w.done[path] = true
	w.out = append(w.out, layer{path: path, settings: v.AllSettings()})
	return nil
}

// includeRefs 接受单个字符串或字符串数组。
func includeRefs(raw any) ([]string, error) {
	var items []any
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case string:
		items = []any{val}
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	case []any:
		items = val
	default:
		return nil, fmt.Errorf("include must be a string or string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include only supports strings")
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// explicitKeys 把配置树展开为 a.b.c 形式的键集合；数组整体视为一个叶子。
func explicitKeys(settings map[string]any) keySet {
	keys := make(keySet)
	var walk func(prefix string, node any)
	walk = func(prefix string, node any) {
		children, ok := asStringMap(node)
		if !ok {
			if prefix != "" {
				keys.mark(prefix)
			}
			return
		}
		for k, child := range children {
			name := strings.ToLower(strings.TrimSpace(k))
			if name == "" {
				continue
			}
			if prefix != "" {
				name = prefix + "." + name
			}
			walk(name, child)
		}
	}
	walk("", settings)
	return keys
}

func asStringMap(node any) (map[string]any, bool) {
	switch val := node.(type) {
	case map[string]any:
		return val, true
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = v
			}
		}
		return out, true
	default:
		return nil, false
	}
}
