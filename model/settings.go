package model

// Themes.
const (
	ThemeOnyx  = "onyx"
	ThemePearl = "pearl"
)

// Font sizes.
const (
	FontSmall  = "small"
	FontMedium = "medium"
	FontLarge  = "large"
)

// Settings are client-only presentation preferences.
type Settings struct {
	Theme       string `json:"theme"`
	Sounds      bool   `json:"sounds"`
	PrivacyBlur bool   `json:"privacyBlur"`
	StealthMode bool   `json:"stealthMode"`
	FontSize    string `json:"fontSize"`
}

// DefaultSettings returns the settings used before anything was saved.
func DefaultSettings() Settings {
	return Settings{
		Theme:       ThemeOnyx,
		Sounds:      true,
		PrivacyBlur: true,
		StealthMode: false,
		FontSize:    FontMedium,
	}
}

// IsLight reports whether the theme is the light one.
func (s Settings) IsLight() bool { return s.Theme == ThemePearl }

// FontPixels returns the base font size in pixels.
func (s Settings) FontPixels() int {
	switch s.FontSize {
	case FontSmall:
		return 13
	case FontLarge:
		return 17
	default:
		return 15
	}
}

// SettingsPatch is a partial settings update; nil fields are left alone.
type SettingsPatch struct {
	Theme       *string `json:"theme,omitempty"`
	Sounds      *bool   `json:"sounds,omitempty"`
	PrivacyBlur *bool   `json:"privacyBlur,omitempty"`
	StealthMode *bool   `json:"stealthMode,omitempty"`
	FontSize    *string `json:"fontSize,omitempty"`
}

// Validate rejects unknown theme or font values.
func (p SettingsPatch) Validate() error {
	if p.Theme != nil && *p.Theme != ThemeOnyx && *p.Theme != ThemePearl {
		return &ValidationError{Field: "theme", Reason: "unknown theme " + *p.Theme}
	}
	if p.FontSize != nil {
		switch *p.FontSize {
		case FontSmall, FontMedium, FontLarge:
		default:
			return &ValidationError{Field: "fontSize", Reason: "unknown font size " + *p.FontSize}
		}
	}
	return nil
}

// Apply merges p into s and returns the result.
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.Theme != nil {
		s.Theme = *p.Theme
	}
	if p.Sounds != nil {
		s.Sounds = *p.Sounds
	}
	if p.PrivacyBlur != nil {
		s.PrivacyBlur = *p.PrivacyBlur
	}
	if p.StealthMode != nil {
		s.StealthMode = *p.StealthMode
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
	return s
}
