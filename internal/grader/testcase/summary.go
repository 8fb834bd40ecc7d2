package testcase

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// NotRunMessage describes a test that never executed.
const NotRunMessage = "This test was not run."

// BytesToText renders process I/O for humans: valid UTF-8 is returned as is,
// anything else as a hex dump grouped in two-byte words.
func BytesToText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	encoded := hex.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

// CountableUnit formats a count with a pluralized unit, e.g. "1 point", "2.5 points".
func CountableUnit(count float64, unit string) string {
	s := fmt.Sprintf("%g %s", count, unit)
	if count != 1 {
		s += "s"
	}
	return s
}

func statusLine(passed bool, elapsedMs float64) string {
	status := "FAILED"
	if passed {
		status = "PASSED"
	}
	return fmt.Sprintf("%s in %.2f ms.", status, elapsedMs)
}

func timeoutMessage(b *Base) string {
	return fmt.Sprintf("The test case timed out. (limit=%d ms). Please check your code for infinite loops.",
		b.EffectiveTimeout().Milliseconds())
}

func errorMessage(b *Base) string {
	msg := "The test case experienced an unexpected runtime error!"
	if b.err != nil {
		msg += "\n" + b.err.Error()
	}
	return msg
}
