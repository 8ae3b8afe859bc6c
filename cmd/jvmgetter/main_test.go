package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/jvmgetter/pkg/symtab"
)

func TestModuleOf(t *testing.T) {
	mods := []symtab.Module{
		{Path: "/system/lib64/libart.so", Base: 0x7000},
		{Path: "/system/bin/app_process64", Base: 0x1000},
		{Path: "/system/lib64/libc.so", Base: 0x4000},
	}
	m, ok := moduleOf(mods, 0x7100)
	require.True(t, ok)
	assert.Equal(t, "/system/lib64/libart.so", m.Path)

	m, ok = moduleOf(mods, 0x4000)
	require.True(t, ok)
	assert.Equal(t, "/system/lib64/libc.so", m.Path)

	_, ok = moduleOf(mods, 0x10)
	assert.False(t, ok)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symtab:
  module_hints: libart.so,libartd.so
  mini_debug_info: false
registry:
  max_vms: 4
field:
  fallback: disabled
`), 0o644))

	defer func(file string, pid int) { cfg.configFile, cfg.pid = file, pid }(cfg.configFile, cfg.pid)
	cfg.configFile, cfg.pid = path, 1234

	c, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, flagext.StringSliceCSV{"libart.so", "libartd.so"}, c.Symtab.ModuleHints)
	assert.False(t, c.Symtab.MiniDebugInfo)
	assert.Equal(t, 4, c.Registry.MaxVMs)
	assert.Equal(t, "disabled", c.Field.Fallback)
	assert.Equal(t, 1234, c.Symtab.Pid)
	assert.Equal(t, "JNI_GetCreatedJavaVMs", c.Symtab.EntryPoint, "unset keys keep flag defaults")

	require.NoError(t, os.WriteFile(path, []byte("registry:\n  max_vms: 0\n"), 0o644))
	_, err = loadConfig()
	assert.Error(t, err)
}
