package color

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		isDarkMode bool
		expected   bool
	}{
		{"set dark mode", true, true},
		{"set light mode", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Initialize(tt.isDarkMode)
			if lipgloss.HasDarkBackground() != tt.expected {
				t.Errorf("lipgloss.HasDarkBackground() got %v, want %v after Initialize(%v)", lipgloss.HasDarkBackground(), tt.expected, tt.isDarkMode)
			}
		})
	}
}

func TestForServiceIsStable(t *testing.T) {
	for _, name := range []string{"database", "keycloak", "kafka", "app"} {
		assert.Equal(t, Index(name), Index(name))
		assert.Equal(t, ForService(name).GetForeground(), ForService(name).GetForeground())
	}
}

func TestIndexWithinPalette(t *testing.T) {
	for _, name := range []string{"", "a", "a-very-long-service-name-with-dashes"} {
		i := Index(name)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, len(palette))
	}
}

func TestTagPadsToWidth(t *testing.T) {
	tag := Tag("db", 10)
	assert.Contains(t, tag, "[db]")

	plain := runewidth.FillRight("[db]", 10)
	assert.True(t, strings.Contains(tag, plain) || runewidth.StringWidth(tag) >= 10)
}

func TestWidth(t *testing.T) {
	assert.Equal(t, 0, Width())
	assert.Equal(t, len("[postgres]"), Width("db", "postgres", "app"))
}
