package model

import "testing"

func TestSettingsValidate(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	cases := []struct {
		name string
		s    RecognitionSettings
	}{
		{"empty language", RecognitionSettings{Language: "", DPI: 300, Mode: ModeAuto}},
		{"dpi too low", RecognitionSettings{Language: "eng", DPI: 50, Mode: ModeAuto}},
		{"dpi too high", RecognitionSettings{Language: "eng", DPI: 1200, Mode: ModeAuto}},
		{"bad mode", RecognitionSettings{Language: "eng", DPI: 300, Mode: "psm11"}},
	}
	for _, tc := range cases {
		if err := tc.s.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestParseSettingsMergesDefaults(t *testing.T) {
	out, err := ParseSettings([]byte(`{"dpi": 200}`), DefaultSettings())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.DPI != 200 {
		t.Fatalf("dpi not applied: %d", out.DPI)
	}
	if out.Language != "eng" || out.Mode != ModeAuto {
		t.Fatalf("defaults lost on merge: %+v", out)
	}
}

func TestParseSettingsRejectsUnknownKeys(t *testing.T) {
	if _, err := ParseSettings([]byte(`{"dpi": 200, "psm": 3}`), DefaultSettings()); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestParseSettingsEmptyBody(t *testing.T) {
	out, err := ParseSettings(nil, DefaultSettings())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != DefaultSettings() {
		t.Fatalf("empty body should return defaults, got %+v", out)
	}
}
