// Package ui holds the shared lipgloss color palette heliactl renders its
// styled (non-JSON) output with.
package ui

import "github.com/charmbracelet/lipgloss"

// Ayu-derived palette, consistent across every heliactl command's styled
// output so `status`, `mem pressure`, `repl replica list`, and `sec
// assess`/`verify-chain` all read as one tool.
var (
	ColorAccent = lipgloss.Color("39")  // blue — headers, ids
	ColorWarn   = lipgloss.Color("214") // amber — warning/lagging states
	ColorPass   = lipgloss.Color("114") // green — healthy/ok states
	ColorFail   = lipgloss.Color("203") // red — blocked/failed states
	ColorMuted  = lipgloss.Color("245") // gray — secondary text
)
