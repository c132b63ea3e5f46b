// Package color assigns each service a stable console color.
//
// Service output mirrored to the console is prefixed with the service name.
// The prefix color is derived from a hash of the name, so the same service
// keeps the same color across runs and across backends:
//
//	style := color.ForService("database")
//	fmt.Println(style.Render("[database]"), line)
//
// Rendering goes through lipgloss, which downgrades or drops colors when
// the output is not a terminal or NO_COLOR is set.
package color
