package main

import (
	"reflect"
	"testing"
)

func TestSplitRunArgsDefaults(t *testing.T) {
	sources, raw, program := splitRunArgs(nil)
	if sources != nil || raw != "nil" || program != nil {
		t.Fatalf("got sources=%v raw=%q program=%v", sources, raw, program)
	}
}

func TestSplitRunArgsSourcesAndForwarded(t *testing.T) {
	sources, raw, program := splitRunArgs([]string{"main.go", "--", "--flag", "value"})
	if !reflect.DeepEqual(sources, []string{"main.go"}) {
		t.Fatalf("got sources %v", sources)
	}
	if raw != "nil" {
		t.Fatalf("got raw allocator %q", raw)
	}
	if !reflect.DeepEqual(program, []string{"--flag", "value"}) {
		t.Fatalf("got forwarded args %v", program)
	}
}

func TestSplitRunArgsRawAllocator(t *testing.T) {
	sources, raw, program := splitRunArgs([]string{"-raw-allocator", "mypkg.Allocator{}", "main.go"})
	if raw != "mypkg.Allocator{}" {
		t.Fatalf("got raw allocator %q", raw)
	}
	if !reflect.DeepEqual(sources, []string{"main.go"}) {
		t.Fatalf("got sources %v", sources)
	}
	if program != nil {
		t.Fatalf("expected no forwarded args, got %v", program)
	}
}
