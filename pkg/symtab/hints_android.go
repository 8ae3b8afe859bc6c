package symtab

import "github.com/grafana/jvmgetter/pkg/util/sysprop"

// ArtLibraryProperty names the runtime library selected by the device.
const ArtLibraryProperty = "persist.sys.dalvik.vm.lib.2"

func defaultHints() []string {
	return []string{sysprop.GetDefault(ArtLibraryProperty, "libart.so")}
}
