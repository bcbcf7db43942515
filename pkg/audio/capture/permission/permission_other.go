//go:build !darwin

package permission

// Audio capture is not permission-gated outside macOS.
func check(Kind) Status { return StatusAuthorized }

func prompt(Kind) {}
