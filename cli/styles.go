package cli

import "github.com/charmbracelet/lipgloss"

// Palette shared by help output, error messages and status rendering.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#005F87", Dark: "#5FAFFF"}
	ColorOrange = lipgloss.AdaptiveColor{Light: "#AF5F00", Dark: "#FFAF5F"}
	ColorGreen  = lipgloss.AdaptiveColor{Light: "#008700", Dark: "#87D787"}
	ColorRed    = lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}
	ColorViolet = lipgloss.AdaptiveColor{Light: "#5F00AF", Dark: "#AF87FF"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#767676", Dark: "#8A8A8A"}
)

var (
	TitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorOrange)
	SectionStyle = lipgloss.NewStyle().Italic(true).Foreground(ColorOrange)
	KeyStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	MutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
	OKStyle      = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)
	WarnStyle    = lipgloss.NewStyle().Bold(true).Foreground(ColorOrange)
	BadStyle     = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)

	errorMark = lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	hintStyle = MutedStyle
	flagStyle = lipgloss.NewStyle().Foreground(ColorViolet)
)
