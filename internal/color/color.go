package color

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// palette avoids red, which is reserved for errors.
var palette = []lipgloss.AdaptiveColor{
	{Light: "#005F87", Dark: "#5FAFFF"}, // blue
	{Light: "#5F8700", Dark: "#87D75F"}, // green
	{Light: "#875F00", Dark: "#FFD75F"}, // yellow
	{Light: "#5F00AF", Dark: "#AF87FF"}, // purple
	{Light: "#008787", Dark: "#5FD7D7"}, // cyan
	{Light: "#AF5F00", Dark: "#FFAF5F"}, // orange
	{Light: "#870087", Dark: "#FF87FF"}, // magenta
	{Light: "#3A3A3A", Dark: "#D0D0D0"}, // grey
}

// Initialize sets whether the terminal background is dark.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
}

// Index returns the palette slot for name.
func Index(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() % uint32(len(palette)))
}

// ForService returns the style used for name's console prefix.
func ForService(name string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(palette[Index(name)]).Bold(true)
}

// Tag renders "[name]" padded to width display cells and colored for name.
func Tag(name string, width int) string {
	label := "[" + name + "]"
	if width > 0 {
		label = runewidth.FillRight(runewidth.Truncate(label, width, "…]"), width)
	}
	return ForService(name).Render(label)
}

// Width returns the display width of the widest tag among names.
func Width(names ...string) int {
	widest := 0
	for _, name := range names {
		if w := runewidth.StringWidth("[" + name + "]"); w > widest {
			widest = w
		}
	}
	return widest
}
