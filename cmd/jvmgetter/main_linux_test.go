package main

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestELFSymbol(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, elfSymbol(&out, exe, "runtime.main"))
	assert.Contains(t, out.String(), "runtime.main")
	assert.Contains(t, out.String(), ".symtab")

	assert.Error(t, elfSymbol(&out, exe, "jvmgetter_no_such_symbol"))
}
