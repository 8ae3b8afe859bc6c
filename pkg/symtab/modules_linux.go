package symtab

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/samber/lo"
)

func (r *ProcessResolver) platformStrategies() []strategy {
	if r.cfg.DisableELFScan {
		return nil
	}
	return []strategy{{source: sourceELFScan, resolve: r.scanELF}}
}

func (r *ProcessResolver) readModules() ([]Module, error) {
	fs, err := procfs.NewFS(r.cfg.ProcFS)
	if err != nil {
		return nil, err
	}
	var proc procfs.Proc
	if r.cfg.Pid == 0 {
		proc, err = fs.Self()
	} else {
		proc, err = fs.Proc(r.cfg.Pid)
	}
	if err != nil {
		return nil, err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading maps of %d: %w", proc.PID, err)
	}
	return r.orderModules(groupModules(maps)), nil
}

// groupModules collects the mappings of every file backed module, in order of
// first appearance.
func groupModules(maps []*procfs.ProcMap) []Module {
	var res []Module
	index := map[string]int{}
	for _, m := range lo.Filter(maps, func(m *procfs.ProcMap, _ int) bool { return fileBacked(m) }) {
		i, ok := index[m.Pathname]
		if !ok {
			i = len(res)
			index[m.Pathname] = i
			res = append(res, Module{Path: m.Pathname, Base: m.StartAddr, dev: m.Dev, inode: m.Inode})
		}
		res[i].mappings = append(res[i].mappings, Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Exec:   m.Perms != nil && m.Perms.Execute,
		})
		if m.StartAddr < res[i].Base {
			res[i].Base = m.StartAddr
		}
	}
	return res
}

func fileBacked(m *procfs.ProcMap) bool {
	switch {
	case m.Inode == 0, !strings.HasPrefix(m.Pathname, "/"):
		return false
	case strings.HasPrefix(m.Pathname, "/dev/"), strings.HasSuffix(m.Pathname, " (deleted)"):
		return false
	}
	return true
}
