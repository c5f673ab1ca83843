package gpm

import (
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// IsNotSupportError returns true if the return indicates that the
// operation is not supported by the device or driver.
func IsNotSupportError(ret nvml.Return) bool {
	if ret == nvml.ERROR_NOT_SUPPORTED {
		return true
	}
	return strings.Contains(normalizeReturnString(ret), "not supported")
}

// IsVersionMismatchError returns true if the NVML library is older or
// newer than the API call expects.
func IsVersionMismatchError(ret nvml.Return) bool {
	if ret == nvml.ERROR_ARGUMENT_VERSION_MISMATCH {
		return true
	}
	return strings.Contains(normalizeReturnString(ret), "version mismatch")
}

// IsNotReadyError returns true if the samples do not span enough time
// for NVML to compute metrics yet.
func IsNotReadyError(ret nvml.Return) bool {
	if ret == nvml.ERROR_NOT_READY {
		return true
	}
	return strings.Contains(normalizeReturnString(ret), "not in ready")
}

func normalizeReturnString(ret nvml.Return) string {
	return strings.ToLower(strings.TrimSpace(nvml.ErrorString(ret)))
}
