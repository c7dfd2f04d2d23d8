package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner with the role being started
func PrintBanner(role, version string) {
	banner.PrintSimple("Spindle "+role, version)
}
