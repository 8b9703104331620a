package display

import (
	"os"
)

// Icon represents a visual icon with Unicode and ASCII fallbacks
type Icon struct {
	Unicode string
	ASCII   string
	Color   Color
}

// IconSystem handles icon rendering with fallbacks
type IconSystem interface {
	RenderIcon(name string) string
	RenderIconWithColor(name string, colorSystem ColorSystem) string
	IsUnicodeSupported() bool
}

type iconSystem struct {
	unicodeSupported bool
	icons            map[string]Icon
}

// NewIconSystem creates an icon system. Unicode is used only for a terminal
// whose locale and TERM allow it.
func NewIconSystem(terminal bool) IconSystem {
	return &iconSystem{
		unicodeSupported: terminal && detectUnicodeSupport(),
		icons: map[string]Icon{
			"success": {Unicode: "✓", ASCII: "OK", Color: ColorGreen},
			"failed":  {Unicode: "✗", ASCII: "FAIL", Color: ColorRed},
			"skipped": {Unicode: "–", ASCII: "--", Color: ColorYellow},
			"arrow":   {Unicode: "→", ASCII: "->", Color: ColorBlue},
			"upload":  {Unicode: "↑", ASCII: "^", Color: ColorCyan},
		},
	}
}

// detectUnicodeSupport checks the environment for a Unicode capable terminal
func detectUnicodeSupport() bool {
	if os.Getenv("NO_UNICODE") != "" {
		return false
	}
	if os.Getenv("LANG") == "C" || os.Getenv("LC_ALL") == "C" {
		return false
	}
	term := os.Getenv("TERM")
	return term != "dumb" && term != "vt100"
}

// RenderIcon returns the icon text, or "" for an unknown name
func (is *iconSystem) RenderIcon(name string) string {
	icon, ok := is.icons[name]
	if !ok {
		return ""
	}
	if is.unicodeSupported {
		return icon.Unicode
	}
	return icon.ASCII
}

// RenderIconWithColor renders the icon in its color
func (is *iconSystem) RenderIconWithColor(name string, colorSystem ColorSystem) string {
	text := is.RenderIcon(name)
	if text == "" || colorSystem == nil {
		return text
	}
	return colorSystem.Colorize(text, is.icons[name].Color)
}

func (is *iconSystem) IsUnicodeSupported() bool {
	return is.unicodeSupported
}
