package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	iface "OnnxAnomalyServer/interface"
	"OnnxAnomalyServer/roi"
)

var errRectsRequired = errors.New("rects (list) is required")

// scoreRequest 是 predict / multi_predict 的请求体；ROI 参数接受数字或字符串
type scoreRequest struct {
	RecipeName    string          `json:"recipe_name"`
	ImagePath     string          `json:"image_path"`
	ImageFilename string          `json:"image_filename"`
	Rects         json.RawMessage `json:"rects"`
	PassThreshold any             `json:"pass_threshold"`

	Percentile   any `json:"ROI_PERCENTILE_P"`
	Mode         any `json:"AREA_THRESH_MODE"`
	AbsThreshold any `json:"AREA_ABS_THRESHOLD"`
	Method       any `json:"ROI_COMBINE_METHOD"`
}

// overrides keeps the values that coerce cleanly and drops the rest, so the
// environment layer decides for anything malformed.
func (r scoreRequest) overrides() roi.Overrides {
	var o roi.Overrides
	if v, ok := toFloat(r.Percentile); ok {
		p := int(v)
		o.Percentile = &p
	}
	if s, ok := r.Mode.(string); ok {
		if m, ok := roi.ParseMode(s); ok {
			mode := string(m)
			o.Mode = &mode
		}
	}
	if v, ok := toFloat(r.AbsThreshold); ok {
		o.AbsThreshold = &v
	}
	if r.Method != nil {
		m := fmt.Sprint(r.Method)
		o.Method = &m
	}
	return o
}

func (r scoreRequest) passThreshold() float64 {
	if v, ok := toFloat(r.PassThreshold); ok {
		return v
	}
	return roi.MultiRectPassThreshold
}

// parseRects accepts either a JSON list or an object wrapping it as
// {"rects": [...]}, the form the multipart field uses.
func parseRects(raw json.RawMessage) ([]iface.Rect, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errRectsRequired
	}
	if raw[0] == '{' {
		var wrapped struct {
			Rects json.RawMessage `json:"rects"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errRectsRequired
		}
		return parseRects(wrapped.Rects)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil, errRectsRequired
	}
	rects := make([]iface.Rect, 0, len(items))
	for i, item := range items {
		var fields map[string]any
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, fmt.Errorf("rect at index %d must be object", i)
		}
		r, ok := rectFrom(fields)
		if !ok {
			return nil, fmt.Errorf("invalid rect values at index %d", i)
		}
		if r.ID == "" {
			r.ID = roi.DefaultRectID(i)
		}
		rects = append(rects, r)
	}
	return rects, nil
}

func rectFrom(fields map[string]any) (iface.Rect, bool) {
	var r iface.Rect
	if s, ok := fields["name"].(string); ok {
		r.Name = s
		r.ID = s
	}
	if s, ok := fields["id"].(string); ok && s != "" {
		r.ID = s
	}
	for _, f := range []struct {
		key string
		dst *int
	}{{"x", &r.X}, {"y", &r.Y}, {"w", &r.Width}, {"h", &r.Height}} {
		v, present := fields[f.key]
		if !present {
			continue
		}
		n, ok := toFloat(v)
		if !ok {
			return r, false
		}
		*f.dst = int(n)
	}
	if v, present := fields["angle"]; present {
		a, ok := toFloat(v)
		if !ok {
			return r, false
		}
		r.Angle = a
	}
	return r, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// resolveImage maps request fields to a host path: image_filename lives in
// the recipe's imgs folder, image_path is absolute or relative to the host root.
func (s *Server) resolveImage(recipe, imagePath, filename string) string {
	if filename != "" {
		return filepath.Join(s.paths.DataDir, recipe, "imgs", filename)
	}
	if filepath.IsAbs(imagePath) {
		return imagePath
	}
	return filepath.Join(s.paths.HostRoot, imagePath)
}

func (s *Server) resultsDir(recipe string) string {
	return filepath.Join(s.paths.ResultsDir, recipe)
}

// recentFiles lists up to n regular files in dir, newest first.
func recentFiles(dir string, n int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}
	type file struct {
		name string
		mod  int64
	}
	var files []file
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{e.Name(), info.ModTime().UnixNano()})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	if len(files) > n {
		files = files[:n]
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.name)
	}
	return names
}

func validRecipe(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
