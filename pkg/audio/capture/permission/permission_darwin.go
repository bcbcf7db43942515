//go:build darwin

package permission

/*
#cgo LDFLAGS: -framework AVFoundation -framework CoreGraphics
#import <AVFoundation/AVFoundation.h>
#import <CoreGraphics/CoreGraphics.h>

int micStatus() {
    return (int)[AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
}

void micRequest() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}

int screenPreflight() {
    return CGPreflightScreenCaptureAccess() ? 1 : 0;
}

int screenRequest() {
    return CGRequestScreenCaptureAccess() ? 1 : 0;
}
*/
import "C"

import "sync/atomic"

// screenRequested records that the screen-recording prompt was shown. macOS
// offers no "not determined" state for it, so a refused preflight after the
// prompt counts as denied.
var screenRequested atomic.Bool

func check(kind Kind) Status {
	switch kind {
	case Microphone:
		// AVAuthorizationStatus values line up with Status.
		return Status(C.micStatus())
	case SystemAudio:
		if C.screenPreflight() == 1 {
			return StatusAuthorized
		}
		if screenRequested.Load() {
			return StatusDenied
		}
		return StatusNotDetermined
	default:
		return StatusDenied
	}
}

func prompt(kind Kind) {
	switch kind {
	case Microphone:
		C.micRequest()
	case SystemAudio:
		C.screenRequest()
		screenRequested.Store(true)
	}
}
