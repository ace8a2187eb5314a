package infra

import (
	"fmt"
	"strings"
)

// ANSI color codes for the startup banner.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// PrintBanner displays the startup banner with mode-specific warnings.
func PrintBanner(cfg *Config) {
	mode := strings.ToUpper(cfg.Trading.Mode)

	color := colorCyan
	modeDesc := "INTERNAL SIMULATION"
	if mode == "LIVE" {
		color = colorRed
		modeDesc = "REAL MONEY TRADING"
	}

	line := strings.Repeat("#", 59)
	fmt.Println()
	fmt.Printf("%s%s%s\n", color, line, colorReset)
	fmt.Printf("%s#  goquant market maker%37s#%s\n", color, "", colorReset)
	fmt.Printf("%s#  MODE:    %-47s#%s\n", color, mode, colorReset)
	fmt.Printf("%s#  TYPE:    %-47s#%s\n", color, modeDesc, colorReset)
	fmt.Printf("%s#  VERSION: %-47s#%s\n", color, cfg.App.Version, colorReset)
	fmt.Printf("%s#  SYMBOLS: %-47s#%s\n", color, strings.Join(cfg.Trading.Symbols, " "), colorReset)

	if mode == "LIVE" {
		fmt.Printf("%s#  WARNING: ORDERS WILL BE SENT WITH REAL FUNDS%12s#%s\n", colorYellow, "", colorReset)
	}
	fmt.Printf("%s%s%s\n", color, line, colorReset)
	fmt.Println()
}
