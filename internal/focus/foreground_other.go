//go:build !darwin

package focus

// Foreground has no portable implementation off macOS; the poller treats
// an empty key as "nothing to do".
func Foreground() (string, error) {
	return "", nil
}
