package instrument_test

import (
	"strings"
	"testing"

	"github.com/amirkhaki/chronoscope/pkg/instrument"
)

func TestDeterministicAliasGeneration(t *testing.T) {
	// Test that the same import path always generates the same alias
	instr1 := instrument.NewInstrumenter(instrument.DefaultConfig())
	instr2 := instrument.NewInstrumenter(nil)

	if instr1.Alias() != instr2.Alias() {
		t.Errorf("Expected same alias for same import path, got %s and %s",
			instr1.Alias(), instr2.Alias())
	}

	if !strings.HasPrefix(instr1.Alias(), "__chronoscope_") {
		t.Errorf("Expected alias to start with __chronoscope_, got %s", instr1.Alias())
	}

	// __chronoscope_ + 16 hex chars = 30 chars
	if len(instr1.Alias()) != 30 {
		t.Errorf("Expected alias length of 30, got %d (%s)",
			len(instr1.Alias()), instr1.Alias())
	}

	other := instrument.NewInstrumenter(&instrument.Config{BaseRuntimeAddress: "custom/runtime"})
	if other.Alias() == instr1.Alias() {
		t.Errorf("Expected a different alias for a different import path, got %s", other.Alias())
	}
}

func TestCustomRuntimeAlias(t *testing.T) {
	config := instrument.DefaultConfig()
	config.RuntimeAlias = "myCustomAlias"

	instr := instrument.NewInstrumenter(config)

	// Should preserve custom alias
	if instr.Alias() != "myCustomAlias" {
		t.Errorf("Expected custom alias to be preserved, got %s", instr.Alias())
	}
}
