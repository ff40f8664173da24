package haste

import (
	"strings"
	"testing"
)

func TestCPUInfoMatchesFeatures(t *testing.T) {
	feat := Features()
	info := CPUInfo()

	listed := map[string]bool{}
	if info != "scalar" {
		for _, name := range strings.Split(info, ",") {
			listed[name] = true
		}
	}

	checks := []struct {
		name string
		has  bool
	}{
		{"SSE4", feat.HasSSE4},
		{"AVX", feat.HasAVX},
		{"AVX2", feat.HasAVX2},
		{"FMA", feat.HasFMA},
		{"AVX512F", feat.HasAVX512F},
		{"NEON", feat.HasNEON},
	}
	for _, c := range checks {
		if listed[c.name] != c.has {
			t.Errorf("CPUInfo lists %s=%v, Features reports %v", c.name, listed[c.name], c.has)
		}
	}
}
