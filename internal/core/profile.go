package core

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named bundle of encode parameters.
type Profile struct {
	Name          string      `yaml:"name" json:"name"`
	Version       int         `yaml:"version,omitempty" json:"version"`
	Encoder       string      `yaml:"encoder" json:"encoder"`
	EncoderArgs   []string    `yaml:"encoder_args" json:"encoder_args,omitempty"`
	Container     string      `yaml:"container" json:"container"`
	EnableChapter bool        `yaml:"enable_chapter" json:"enable_chapter"`
	IgnoreNoLogo  bool        `yaml:"ignore_no_logo" json:"ignore_no_logo"`
	Resource      ReqResource `yaml:"resource" json:"resource"`
}

// Clone returns a deep copy; directories never share a Profile with the
// catalog or with each other.
func (p Profile) Clone() Profile {
	c := p
	c.EncoderArgs = append([]string(nil), p.EncoderArgs...)
	return c
}

// ProfileRef is either a resolved private profile snapshot or pending.
type ProfileRef struct {
	resolved *Profile
}

func PendingProfile() ProfileRef { return ProfileRef{} }

func ResolvedProfile(p Profile) ProfileRef {
	c := p.Clone()
	return ProfileRef{resolved: &c}
}

func (r ProfileRef) IsPending() bool { return r.resolved == nil }

// Get returns a copy of the resolved profile.
func (r ProfileRef) Get() (Profile, bool) {
	if r.resolved == nil {
		return Profile{}, false
	}
	return r.resolved.Clone(), true
}

// AutoSelectCondition matches when every non-empty criterion matches.
type AutoSelectCondition struct {
	Profile    string   `yaml:"profile" json:"profile"`
	Priority   int      `yaml:"priority" json:"priority,omitempty"`
	FileName   string   `yaml:"file_name" json:"file_name,omitempty"`
	Genres     []string `yaml:"genres" json:"genres,omitempty"`
	ServiceIDs []int    `yaml:"service_ids" json:"service_ids,omitempty"`
	VideoSizes []string `yaml:"video_sizes" json:"video_sizes,omitempty"`
	Tags       []string `yaml:"tags" json:"tags,omitempty"`
}

type AutoSelectRule struct {
	Name       string                `yaml:"name" json:"name"`
	Conditions []AutoSelectCondition `yaml:"conditions" json:"conditions"`
}

type ServiceSetting struct {
	ServiceID int      `yaml:"service_id" json:"service_id"`
	Name      string   `yaml:"name" json:"name"`
	Logos     []string `yaml:"logos" json:"logos,omitempty"`
	NoLogo    bool     `yaml:"no_logo" json:"no_logo"`
}

func (s ServiceSetting) hasLogo() bool {
	return s.NoLogo || len(s.Logos) > 0
}

func (c AutoSelectCondition) match(srcPath string, prog Program) bool {
	if c.FileName != "" && !strings.Contains(strings.ToLower(filepath.Base(srcPath)), strings.ToLower(c.FileName)) {
		return false
	}
	if len(c.ServiceIDs) > 0 && !containsInt(c.ServiceIDs, prog.ServiceID) {
		return false
	}
	if len(c.Genres) > 0 && !anyPrefix(prog.Genres, c.Genres) {
		return false
	}
	if len(c.VideoSizes) > 0 {
		size := strconv.Itoa(prog.Width) + "x" + strconv.Itoa(prog.Height)
		if !containsString(c.VideoSizes, size) {
			return false
		}
	}
	if len(c.Tags) > 0 && !anyEqual(prog.Tags, c.Tags) {
		return false
	}
	return true
}

// Catalog holds the live editable profiles, auto-select rules and service
// settings. It is confined to the QueueManager loop.
type Catalog struct {
	profiles   map[string]*Profile
	autoSelect map[string]AutoSelectRule
	services   map[int]ServiceSetting
}

func NewCatalog() *Catalog {
	return &Catalog{
		profiles:   make(map[string]*Profile),
		autoSelect: make(map[string]AutoSelectRule),
		services:   make(map[int]ServiceSetting),
	}
}

// SetProfile adds or replaces a profile, bumping its version. A larger
// version carried by p, as read back from the catalog file, is kept.
func (c *Catalog) SetProfile(p Profile) Profile {
	p = p.Clone()
	p.Resource = p.Resource.Normalize()
	next := 1
	if old, ok := c.profiles[p.Name]; ok {
		next = old.Version + 1
	}
	if p.Version < next {
		p.Version = next
	}
	c.profiles[p.Name] = &p
	return p.Clone()
}

// reserveVersion moves the live profile past a snapshot restored from the
// store, so new jobs never share a directory key with an older snapshot of
// different content.
func (c *Catalog) reserveVersion(snap Profile) {
	p, ok := c.profiles[snap.Name]
	if !ok || p.Version > snap.Version {
		return
	}
	if p.Version == snap.Version && reflect.DeepEqual(p.Clone(), snap.Clone()) {
		return
	}
	p.Version = snap.Version + 1
}

func (c *Catalog) RemoveProfile(name string) bool {
	if _, ok := c.profiles[name]; !ok {
		return false
	}
	delete(c.profiles, name)
	return true
}

func (c *Catalog) Profile(name string) (Profile, bool) {
	p, ok := c.profiles[name]
	if !ok {
		return Profile{}, false
	}
	return p.Clone(), true
}

func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, 0, len(c.profiles))
	for _, p := range c.profiles {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) SetAutoSelect(r AutoSelectRule) {
	c.autoSelect[r.Name] = r
}

func (c *Catalog) SetService(s ServiceSetting) {
	c.services[s.ServiceID] = s
}

func (c *Catalog) Service(id int) (ServiceSetting, bool) {
	s, ok := c.services[id]
	return s, ok
}

// Resolve picks a concrete profile for a job. The returned priority is
// non-zero when an auto-select condition overrides the job priority. reason
// is a human-readable explanation when ok is false.
func (c *Catalog) Resolve(req ProfileRequest, srcPath string, prog Program) (p Profile, priority int, reason string, ok bool) {
	if req.AutoSelect == "" {
		prof, found := c.Profile(req.Name)
		if !found {
			return Profile{}, 0, fmt.Sprintf("profile %q not found", req.Name), false
		}
		return prof, 0, "", true
	}
	rule, found := c.autoSelect[req.AutoSelect]
	if !found {
		return Profile{}, 0, fmt.Sprintf("auto-select rule %q not found", req.AutoSelect), false
	}
	reason = fmt.Sprintf("no condition of auto-select rule %q matched", rule.Name)
	for _, cond := range rule.Conditions {
		if !cond.match(srcPath, prog) {
			continue
		}
		prof, found := c.Profile(cond.Profile)
		if !found {
			reason = fmt.Sprintf("auto-select rule %q refers to missing profile %q", rule.Name, cond.Profile)
			continue
		}
		return prof, cond.Priority, "", true
	}
	return Profile{}, 0, reason, false
}

// CatalogFile is the on-disk and API form of the whole catalog.
type CatalogFile struct {
	Profiles   []Profile        `yaml:"profiles" json:"profiles"`
	AutoSelect []AutoSelectRule `yaml:"auto_select" json:"auto_select"`
	Services   []ServiceSetting `yaml:"services" json:"services"`
}

// Export copies the catalog, sorted by name or service id.
func (c *Catalog) Export() CatalogFile {
	f := CatalogFile{
		Profiles:   c.Profiles(),
		AutoSelect: make([]AutoSelectRule, 0, len(c.autoSelect)),
		Services:   make([]ServiceSetting, 0, len(c.services)),
	}
	for _, r := range c.autoSelect {
		r.Conditions = append([]AutoSelectCondition(nil), r.Conditions...)
		f.AutoSelect = append(f.AutoSelect, r)
	}
	sort.Slice(f.AutoSelect, func(i, j int) bool { return f.AutoSelect[i].Name < f.AutoSelect[j].Name })
	for _, s := range c.services {
		s.Logos = append([]string(nil), s.Logos...)
		f.Services = append(f.Services, s)
	}
	sort.Slice(f.Services, func(i, j int) bool { return f.Services[i].ServiceID < f.Services[j].ServiceID })
	return f
}

// SaveCatalog writes f to path, replacing the file atomically.
func SaveCatalog(path string, f CatalogFile) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode profile catalog: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile catalog: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace profile catalog: %w", err)
	}
	return nil
}

// LoadCatalog reads a profiles.yaml file. A missing file yields an empty
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	c := NewCatalog()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("failed to read profile catalog: %w", err)
	}
	var f CatalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse profile catalog: %w", err)
	}
	for _, p := range f.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile catalog: profile without name")
		}
		c.SetProfile(p)
	}
	for _, r := range f.AutoSelect {
		if r.Name == "" {
			return nil, fmt.Errorf("profile catalog: auto-select rule without name")
		}
		c.SetAutoSelect(r)
	}
	for _, s := range f.Services {
		c.SetService(s)
	}
	return c, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func anyEqual(have, want []string) bool {
	for _, w := range want {
		if containsString(have, w) {
			return true
		}
	}
	return false
}

func anyPrefix(have, prefixes []string) bool {
	for _, h := range have {
		for _, p := range prefixes {
			if strings.HasPrefix(h, p) {
				return true
			}
		}
	}
	return false
}
