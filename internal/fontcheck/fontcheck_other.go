//go:build !linux

package fontcheck

import "os/exec"

// detectMissing is best-effort off Linux: use fc-list when present,
// otherwise assume the OS ships the required fonts.
func detectMissing() []string {
	fcList, err := exec.LookPath("fc-list")
	if err != nil {
		return nil
	}
	out, err := exec.Command(fcList, ":", "family").Output()
	if err != nil {
		return nil
	}
	return missingFrom(string(out))
}
