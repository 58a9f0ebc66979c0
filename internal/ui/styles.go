// Package ui provides consistent styling and components for the wayprotect CLI
package ui

import (
	"fmt"
	"strings"

	"github.com/bnema/wayprotect/internal/protection"
	"github.com/charmbracelet/lipgloss"
)

// Color palette - consistent across the application
var (
	// Primary colors
	ColorPrimary   = lipgloss.Color("39")  // Bright blue
	ColorSecondary = lipgloss.Color("205") // Pink/magenta
	ColorSuccess   = lipgloss.Color("82")  // Green
	ColorWarning   = lipgloss.Color("214") // Orange
	ColorError     = lipgloss.Color("196") // Red
	ColorInfo      = lipgloss.Color("86")  // Cyan

	// Neutral colors
	ColorText   = lipgloss.Color("252") // Light gray
	ColorSubtle = lipgloss.Color("241") // Medium gray
	ColorMuted  = lipgloss.Color("238") // Dark gray

	// Protection tiers
	ColorUnprotected = ColorError
	ColorType0       = ColorSuccess
	ColorType1       = lipgloss.Color("33") // Blue

	ColorConnected    = ColorSuccess
	ColorDisconnected = ColorError
)

// Base styles - building blocks for other styles
var (
	TextStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	SubheaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorText)

	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			Background(ColorMuted).
			Padding(0, 1)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	InfoStyle = lipgloss.NewStyle().
			Foreground(ColorInfo)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSubtle).
			Padding(1, 2)

	SpinnerStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary)

	ControlKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	ControlDescStyle = lipgloss.NewStyle().
				Foreground(ColorText)

	// Badge is the coloured block showing the protection tier
	BadgeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)
)

var (
	ConnectedIndicator = lipgloss.NewStyle().
				Foreground(ColorConnected).
				Render("●")

	DisconnectedIndicator = lipgloss.NewStyle().
				Foreground(ColorDisconnected).
				Render("○")
)

// Status icons
var (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "!"
	IconInfo    = "i"
)

// ProtectionColor returns the colour of a protection tier
func ProtectionColor(t protection.ContentType) lipgloss.Color {
	switch t {
	case protection.Type0:
		return ColorType0
	case protection.Type1:
		return ColorType1
	default:
		return ColorUnprotected
	}
}

// FormatProtection renders the protection badge
func FormatProtection(t protection.ContentType) string {
	label := "UNPROTECTED"
	switch t {
	case protection.Type0:
		label = "HDCP TYPE 0"
	case protection.Type1:
		label = "HDCP TYPE 1"
	}
	return BadgeStyle.Background(ProtectionColor(t)).Render(label)
}

// FormatNegotiation renders the negotiation phase
func FormatNegotiation(s protection.Status) string {
	switch s {
	case protection.StatusEnabled:
		return SuccessStyle.Render(s.String())
	case protection.StatusDesired:
		return WarningStyle.Render(s.String())
	case protection.StatusFailed:
		return ErrorStyle.Render(s.String())
	default:
		return SubtleStyle.Render(s.String())
	}
}

// FormatSnapshot renders a status query result as aligned key/value lines
func FormatSnapshot(snap protection.Snapshot) string {
	lines := []string{
		FormatKeyValue("Status", FormatNegotiation(snap.Status)),
		FormatKeyValue("Requested", snap.RequestedType.String()),
		FormatKeyValue("Retries left", fmt.Sprintf("%d", snap.RetriesLeft)),
		FormatKeyValue("Window", fmt.Sprintf("%d", snap.ElapsedInWindow)),
	}
	if snap.Exhausted {
		lines = append(lines, FormatKeyValue("Retries", ErrorStyle.Render("exhausted")))
	}
	if snap.Pending {
		lines = append(lines, FormatKeyValue("Backend", WarningStyle.Render("request pending")))
	}
	return strings.Join(lines, "\n")
}

// FormatKeyValue renders a label padded to a fixed width followed by value
func FormatKeyValue(key, value string) string {
	return SubtleStyle.Width(14).Render(key+":") + " " + value
}

// FormatControl renders a key binding hint
func FormatControl(key, desc string) string {
	return ControlKeyStyle.Render(key) + " - " + ControlDescStyle.Render(desc)
}

// FormatStatus prefixes status with a connection indicator
func FormatStatus(connected bool, status string) string {
	indicator := DisconnectedIndicator
	if connected {
		indicator = ConnectedIndicator
	}
	return indicator + " " + status
}

// FormatResult renders a success or failure line
func FormatResult(success bool, message string) string {
	if success {
		return SuccessStyle.Render(IconSuccess) + " " + message
	}
	return ErrorStyle.Render(IconError) + " " + message
}

// FormatInfo renders an informational line
func FormatInfo(message string) string {
	return InfoStyle.Render(IconInfo) + " " + message
}

// CreateSeparator creates a horizontal line separator
func CreateSeparator(width int, char string) string {
	if width <= 0 {
		width = 50
	}
	if char == "" {
		char = "─"
	}

	return lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Render(strings.Repeat(char, width))
}
