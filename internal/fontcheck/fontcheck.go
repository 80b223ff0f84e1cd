// Package fontcheck verifies that the fonts used by the storybook templates
// are installed on the system. The PPTX templates are typeset in Times New
// Roman and Tahoma; when either is missing, slide rendering and PDF export
// substitute a default font and the produced books look wrong. The check
// runs at startup so the problem surfaces before any book is generated.
package fontcheck

import (
	"fmt"
	"log"
	"runtime"
	"strings"
)

// RequiredFonts are the font families the book templates depend on.
// Matching is a case-insensitive substring test against the font cache.
var RequiredFonts = []string{"Times New Roman", "Tahoma"}

// Verify checks that every required font is present. On Linux the check is
// strict: a non-nil error names the missing families and the caller is
// expected to abort startup. On other platforms detection is best-effort
// and only logs a warning.
func Verify() error {
	if runtime.GOOS != "linux" {
		if missing := detectMissing(); len(missing) > 0 {
			log.Printf("font check: could not confirm fonts %v; rendering may substitute defaults", missing)
		}
		return nil
	}

	missing := detectMissing()
	if len(missing) == 0 {
		log.Printf("font check: required fonts present (%s)", strings.Join(RequiredFonts, ", "))
		return nil
	}
	return fmt.Errorf("required fonts not installed: %s", strings.Join(missing, ", "))
}

// Ensure verifies the required fonts and, on Linux with root privileges,
// attempts to install the Microsoft core fonts package before re-verifying.
func Ensure() error {
	if err := Verify(); err == nil {
		return nil
	}
	if runtime.GOOS == "linux" {
		tryInstall()
	}
	return Verify()
}

// missingFrom returns the required families absent from a font listing,
// matched case-insensitively.
func missingFrom(fontList string) []string {
	lower := strings.ToLower(fontList)
	var missing []string
	for _, family := range RequiredFonts {
		if !strings.Contains(lower, strings.ToLower(family)) {
			missing = append(missing, family)
		}
	}
	return missing
}
