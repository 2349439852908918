package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":  zap.DebugLevel,
		" WARN ": zap.WarnLevel,
		"error":  zap.ErrorLevel,
		"info":   zap.InfoLevel,
		"":       zap.InfoLevel,
		"bogus":  zap.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q)=%v want=%v", in, got, want)
		}
	}
}

func TestReplaceRoutesGlobalHelpers(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := Logger()
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(prev) })

	Info("[login][start] issued", zap.String("token", "abc…"))
	Warn("[tg][send] failed")

	if logs.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", logs.Len())
	}
	first := logs.All()[0]
	if first.Message != "[login][start] issued" || first.ContextMap()["token"] != "abc…" {
		t.Fatalf("unexpected entry %+v", first)
	}
}

func TestInitWithFileSink(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { Replace(prev) })

	Init(Options{Level: "debug", File: t.TempDir() + "/ozbot.log", MaxSizeMB: 1})
	if !Logger().Core().Enabled(zap.DebugLevel) {
		t.Fatal("expected debug level enabled after Init")
	}
	Info("hello")
	Sync()
}
