//go:build linux

package fontcheck

import (
	"log"
	"os"
	"os/exec"
	"strings"
)

// pkgManager describes how to install the Microsoft core fonts with a
// given package manager.
type pkgManager struct {
	name       string
	installCmd []string
	packages   []string
	pre        [][]string // commands to run before install (e.g. EULA preseed)
}

var packageManagers = []pkgManager{
	{
		name:       "apt",
		installCmd: []string{"apt-get", "install", "-y"},
		packages:   []string{"ttf-mscorefonts-installer", "fontconfig"},
		pre: [][]string{
			// Accept the msttcorefonts EULA non-interactively.
			{"sh", "-c", "echo 'ttf-mscorefonts-installer msttcorefonts/accepted-mscorefonts-eula select true' | debconf-set-selections"},
		},
	},
	{
		name:       "dnf",
		installCmd: []string{"dnf", "install", "-y"},
		packages:   []string{"curl", "cabextract", "xorg-x11-font-utils", "fontconfig"},
	},
	{
		name:       "yum",
		installCmd: []string{"yum", "install", "-y"},
		packages:   []string{"curl", "cabextract", "xorg-x11-font-utils", "fontconfig"},
	},
	{
		name:       "apk",
		installCmd: []string{"apk", "add"},
		packages:   []string{"msttcorefonts-installer", "fontconfig"},
		pre:        nil,
	},
}

// detectMissing returns the required families not found in the fontconfig
// cache, falling back to a font directory scan when fc-list is unavailable.
func detectMissing() []string {
	fcList, err := exec.LookPath("fc-list")
	if err != nil {
		return detectMissingByPath()
	}

	out, err := exec.Command(fcList, ":", "family").Output()
	if err != nil {
		return detectMissingByPath()
	}
	return missingFrom(string(out))
}

// detectMissingByPath scans common font directories for font files whose
// names suggest the required families.
func detectMissingByPath() []string {
	fontDirs := []string{
		"/usr/share/fonts",
		"/usr/local/share/fonts",
		"/usr/share/fonts/truetype",
		"/usr/share/fonts/truetype/msttcorefonts",
	}

	var names []string
	for _, dir := range fontDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
	}

	// Font file names carry the family without spaces (times.ttf, tahoma.ttf).
	joined := strings.ToLower(strings.Join(names, "\n"))
	var missing []string
	for _, family := range RequiredFonts {
		compact := strings.ToLower(strings.ReplaceAll(family, " ", ""))
		short := strings.ToLower(strings.Fields(family)[0])
		if !strings.Contains(joined, compact) && !strings.Contains(joined, short) {
			missing = append(missing, family)
		}
	}
	return missing
}

// tryInstall attempts to install the Microsoft core fonts. Requires root;
// non-root users get manual instructions instead.
func tryInstall() {
	if os.Getuid() != 0 {
		printManualInstructions()
		return
	}

	installed := false
	for _, pm := range packageManagers {
		if _, err := exec.LookPath(pm.installCmd[0]); err != nil {
			continue
		}

		log.Printf("font check: installing Microsoft core fonts via %s...", pm.name)

		for _, pre := range pm.pre {
			_ = exec.Command(pre[0], pre[1:]...).Run()
		}

		args := append(pm.installCmd[1:], pm.packages...)
		cmd := exec.Command(pm.installCmd[0], args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			log.Printf("font check: %s install failed: %v", pm.name, err)
			continue
		}

		// Alpine ships an update script that performs the actual download.
		if pm.name == "apk" {
			if p, err := exec.LookPath("update-ms-fonts"); err == nil {
				_ = exec.Command(p).Run()
			}
		}

		installed = true
		break
	}

	if !installed {
		printManualInstructions()
		return
	}

	if fc, err := exec.LookPath("fc-cache"); err == nil {
		_ = exec.Command(fc, "-f").Run()
	}
}

func printManualInstructions() {
	log.Println("========================================")
	log.Println("  Times New Roman / Tahoma fonts are missing.")
	log.Println("  Book rendering requires them. Install as root:")
	log.Println("")
	log.Println("  Debian/Ubuntu:")
	log.Println("    sudo apt-get install -y ttf-mscorefonts-installer")
	log.Println("")
	log.Println("  Alpine:")
	log.Println("    apk add msttcorefonts-installer && update-ms-fonts")
	log.Println("")
	log.Println("  Then refresh the cache: fc-cache -f")
	log.Println("========================================")
}
