package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCatalog_SetProfileBumpsVersion(t *testing.T) {
	c := NewCatalog()
	first := c.SetProfile(Profile{Name: "std", Resource: ReqResource{CPU: 150}})
	if first.Version != 1 || first.Resource.CPU != MaxResource {
		t.Fatalf("unexpected first version: %+v", first)
	}
	second := c.SetProfile(Profile{Name: "std", EncoderArgs: []string{"-crf", "23"}})
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}

	second.EncoderArgs[0] = "-preset"
	stored, _ := c.Profile("std")
	if stored.EncoderArgs[0] != "-crf" {
		t.Fatalf("catalog profile aliased by caller copy")
	}
}

func TestProfileRef_SnapshotIsPrivate(t *testing.T) {
	p := Profile{Name: "std", EncoderArgs: []string{"-crf", "23"}}
	ref := ResolvedProfile(p)
	p.EncoderArgs[1] = "30"
	got, ok := ref.Get()
	if !ok || got.EncoderArgs[1] != "23" {
		t.Fatalf("snapshot changed with source: %+v", got)
	}
	if !PendingProfile().IsPending() || ref.IsPending() {
		t.Fatalf("pending flags wrong")
	}
}

func TestCatalog_Resolve(t *testing.T) {
	c := NewCatalog()
	c.SetProfile(Profile{Name: "std"})
	c.SetProfile(Profile{Name: "hd"})
	c.SetAutoSelect(AutoSelectRule{
		Name: "default",
		Conditions: []AutoSelectCondition{
			{Profile: "hd", VideoSizes: []string{"1920x1080"}, ServiceIDs: []int{1024}},
			{Profile: "gone", Tags: []string{"movie"}},
			{Profile: "std", FileName: "news", Priority: 2},
		},
	})
	hdProg := Program{ServiceID: 1024, Width: 1920, Height: 1080}
	sdProg := Program{ServiceID: 1025, Width: 720, Height: 480, Tags: []string{"movie"}}

	cases := []struct {
		name     string
		req      ProfileRequest
		src      string
		prog     Program
		want     string
		priority int
		reason   string
	}{
		{name: "named", req: ProfileRequest{Name: "std"}, src: "/rec/a.ts", prog: sdProg, want: "std"},
		{name: "named missing", req: ProfileRequest{Name: "nope"}, src: "/rec/a.ts", reason: `profile "nope" not found`},
		{name: "size and service", req: ProfileRequest{AutoSelect: "default"}, src: "/rec/a.ts", prog: hdProg, want: "hd"},
		{name: "file name", req: ProfileRequest{AutoSelect: "default"}, src: "/rec/NEWS-0700.ts", prog: Program{ServiceID: 1}, want: "std", priority: 2},
		{name: "missing target", req: ProfileRequest{AutoSelect: "default"}, src: "/rec/film.ts", prog: sdProg, reason: `missing profile "gone"`},
		{name: "unknown rule", req: ProfileRequest{AutoSelect: "other"}, src: "/rec/a.ts", reason: `rule "other" not found`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, prio, reason, ok := c.Resolve(tc.req, tc.src, tc.prog)
			if tc.want == "" {
				if ok {
					t.Fatalf("expected no match, got %s", p.Name)
				}
				if !strings.Contains(reason, tc.reason) {
					t.Fatalf("reason %q does not contain %q", reason, tc.reason)
				}
				return
			}
			if !ok || p.Name != tc.want || prio != tc.priority {
				t.Fatalf("got %s prio %d ok=%v (%s)", p.Name, prio, ok, reason)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	data := `
profiles:
  - name: std
    encoder: libx264
    encoder_args: ["-crf", "23"]
    container: mp4
    enable_chapter: true
    resource: {cpu: 40, hdd: 20, gpu: 0}
auto_select:
  - name: anime
    conditions:
      - profile: std
        genres: ["anime"]
        priority: 4
services:
  - service_id: 1024
    name: NHK
    no_logo: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := c.Profile("std")
	if !ok || p.Resource.CPU != 40 || !p.EnableChapter || len(p.EncoderArgs) != 2 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if s, ok := c.Service(1024); !ok || !s.hasLogo() {
		t.Fatalf("service not loaded")
	}
	got, prio, _, ok := c.Resolve(ProfileRequest{AutoSelect: "anime"}, "/rec/a.ts", Program{Genres: []string{"anime/tv"}})
	if !ok || got.Name != "std" || prio != 4 {
		t.Fatalf("auto-select from file: %s %d %v", got.Name, prio, ok)
	}
}

func TestLoadCatalog_MissingFileIsEmpty(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(c.Profiles()) != 0 {
		t.Fatalf("expected empty catalog")
	}
}

func TestSaveCatalog_RoundTrip(t *testing.T) {
	c := NewCatalog()
	c.SetProfile(Profile{Name: "std", Encoder: "libx264", EncoderArgs: []string{"-crf", "23"}, EnableChapter: true})
	c.SetProfile(Profile{Name: "hw", Encoder: "h264_nvenc", Resource: ReqResource{GPU: 60}})
	c.SetAutoSelect(AutoSelectRule{Name: "anime", Conditions: []AutoSelectCondition{{Profile: "hw", Genres: []string{"anime"}}}})
	c.SetService(ServiceSetting{ServiceID: 1032, Name: "BS", NoLogo: true})
	c.SetService(ServiceSetting{ServiceID: 1024, Name: "GR", Logos: []string{"gr.lgd"}})

	f := c.Export()
	if len(f.Profiles) != 2 || f.Profiles[0].Name != "hw" {
		t.Fatalf("unexpected exported profiles %+v", f.Profiles)
	}
	if len(f.Services) != 2 || f.Services[0].ServiceID != 1024 {
		t.Fatalf("services not sorted: %+v", f.Services)
	}
	f.Services[0].Logos[0] = "changed"
	if s, _ := c.Service(1024); s.Logos[0] != "gr.lgd" {
		t.Fatalf("export aliases catalog state")
	}

	path := filepath.Join(t.TempDir(), "conf", "profiles.yaml")
	if err := SaveCatalog(path, c.Export()); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	loaded, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	p, ok := loaded.Profile("std")
	if !ok || p.Encoder != "libx264" || len(p.EncoderArgs) != 2 || !p.EnableChapter {
		t.Fatalf("profile not restored: %+v", p)
	}
	if hw, _ := loaded.Profile("hw"); hw.Resource.GPU != 60 {
		t.Fatalf("resource not restored: %+v", hw)
	}
	prof, _, _, ok := loaded.Resolve(ProfileRequest{AutoSelect: "anime"}, "/rec/a.ts", Program{Genres: []string{"anime"}})
	if !ok || prof.Name != "hw" {
		t.Fatalf("auto-select not restored")
	}
	if s, ok := loaded.Service(1032); !ok || !s.NoLogo {
		t.Fatalf("service not restored")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}

func TestCatalog_VersionSurvivesReload(t *testing.T) {
	c := NewCatalog()
	for i := 0; i < 3; i++ {
		c.SetProfile(Profile{Name: "std", Encoder: "libx264"})
	}
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := SaveCatalog(path, c.Export()); err != nil {
		t.Fatalf("SaveCatalog: %v", err)
	}
	loaded, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if p, _ := loaded.Profile("std"); p.Version != 3 {
		t.Fatalf("version after reload: got %d, want 3", p.Version)
	}
	if p := loaded.SetProfile(Profile{Name: "std", Encoder: "libx265"}); p.Version != 4 {
		t.Fatalf("edit after reload: got %d, want 4", p.Version)
	}
}

func TestCatalog_ReserveVersion(t *testing.T) {
	c := NewCatalog()
	c.SetProfile(Profile{Name: "std", Encoder: "libx264"})

	c.reserveVersion(Profile{Name: "std", Version: 1, Encoder: "libx264"})
	if p, _ := c.Profile("std"); p.Version != 1 {
		t.Fatalf("identical snapshot must share the version, got %d", p.Version)
	}
	c.reserveVersion(Profile{Name: "std", Version: 1, Encoder: "libx265"})
	if p, _ := c.Profile("std"); p.Version != 2 {
		t.Fatalf("differing snapshot: got %d, want 2", p.Version)
	}
	c.reserveVersion(Profile{Name: "std", Version: 6, Encoder: "libx264"})
	if p, _ := c.Profile("std"); p.Version != 7 {
		t.Fatalf("newer snapshot: got %d, want 7", p.Version)
	}
	c.reserveVersion(Profile{Name: "gone", Version: 3})
	if _, ok := c.Profile("gone"); ok {
		t.Fatalf("snapshot must not create profiles")
	}
}
