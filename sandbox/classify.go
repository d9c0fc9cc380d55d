package sandbox

import "strconv"

// observation is what a backend saw when the child finished.
type observation struct {
	unavailable bool
	startErr    error
	cancelled   bool
	timedOut    bool
	oomKilled   bool
	killed      bool // terminated by a signal the watchdog did not send
	exitCode    *int
}

// classify applies the precedence timeout > resource_exceeded > nonzero_exit.
func classify(o observation) FailureCategory {
	switch {
	case o.unavailable:
		return CategoryBackendUnavailable
	case o.startErr != nil:
		return CategoryInternalError
	case o.timedOut:
		return CategoryTimeout
	case o.oomKilled, o.killed:
		return CategoryResourceExceeded
	case o.cancelled:
		return CategoryInternalError
	case o.exitCode == nil:
		return CategoryInternalError
	case *o.exitCode != 0:
		return CategoryNonzeroExit
	default:
		return CategoryNone
	}
}

// describe renders a human-readable error for a non-success category.
func describe(o observation, cat FailureCategory, timeoutSeconds float64) string {
	switch cat {
	case CategoryNone:
		return ""
	case CategoryTimeout:
		return "execution exceeded " + formatSeconds(timeoutSeconds)
	case CategoryResourceExceeded:
		if o.oomKilled {
			return "memory limit exceeded"
		}
		return "process killed by resource limit"
	case CategoryNonzeroExit:
		return "process exited with non-zero status"
	case CategoryBackendUnavailable:
		if o.startErr != nil {
			return "backend unavailable: " + o.startErr.Error()
		}
		return "backend unavailable"
	default:
		if o.cancelled {
			return "execution cancelled"
		}
		if o.startErr != nil {
			return o.startErr.Error()
		}
		return "execution failed"
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64) + "s"
}
