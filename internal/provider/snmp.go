package provider

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

// OIDs polled from UCD-SNMP-MIB, IF-MIB and the Synology enterprise MIBs.
const (
	oidSysName        = ".1.3.6.1.2.1.1.5.0"
	oidCPUIdle        = ".1.3.6.1.4.1.2021.11.11.0"
	oidMemTotalReal   = ".1.3.6.1.4.1.2021.4.5.0"
	oidMemAvailReal   = ".1.3.6.1.4.1.2021.4.6.0"
	oidMemBuffer      = ".1.3.6.1.4.1.2021.4.14.0"
	oidMemCached      = ".1.3.6.1.4.1.2021.4.15.0"
	oidSynoTemp       = ".1.3.6.1.4.1.6574.1.2.0"
	oidSynoDiskID     = ".1.3.6.1.4.1.6574.2.1.1.2"
	oidSynoDiskStatus = ".1.3.6.1.4.1.6574.2.1.1.5"
	oidSynoRaidFree   = ".1.3.6.1.4.1.6574.3.1.1.4"
	oidSynoRaidTotal  = ".1.3.6.1.4.1.6574.3.1.1.5"
	oidIfDescr        = ".1.3.6.1.2.1.2.2.1.2"
	oidIfHCInOctets   = ".1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets  = ".1.3.6.1.2.1.31.1.1.1.10"
)

// snmpSession is the part of *gosnmp.GoSNMP the provider uses.
type snmpSession interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalkAll(rootOid string) ([]gosnmp.SnmpPDU, error)
}

type snmpDialer func(ctx context.Context) (snmpSession, func(), error)

// SNMP polls a storage appliance over SNMP v2c.
type SNMP struct {
	cfg    Config
	logger *zap.Logger
	dial   snmpDialer
	now    func() time.Time

	mu   sync.Mutex
	up   rateMeter
	down rateMeter
}

// Compile-time guard.
var _ Provider = (*SNMP)(nil)

// NewSNMP creates a provider that queries cfg.SNMPTarget.
func NewSNMP(cfg Config, logger *zap.Logger) *SNMP {
	p := &SNMP{cfg: cfg, logger: logger, now: time.Now}
	p.dial = p.dialGoSNMP
	return p
}

func (p *SNMP) Name() string { return KindSNMP }

func (p *SNMP) dialGoSNMP(ctx context.Context) (snmpSession, func(), error) {
	g := &gosnmp.GoSNMP{
		Target:             p.cfg.SNMPTarget,
		Port:               uint16(p.cfg.SNMPPort),
		Community:          p.cfg.SNMPCommunity,
		Version:            gosnmp.Version2c,
		Timeout:            p.cfg.Timeout,
		Retries:            1,
		Context:            ctx,
		MaxOids:            gosnmp.MaxOids,
		ExponentialTimeout: false,
	}
	if err := g.Connect(); err != nil {
		return nil, nil, fmt.Errorf("snmp connect %s: %w", p.cfg.SNMPTarget, err)
	}
	return g, func() { _ = g.Conn.Close() }, nil
}

// Collect implements Provider.
func (p *SNMP) Collect(ctx context.Context) (*snapshot.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	sess, closeFn, err := p.dial(ctx)
	if err != nil {
		return nil, &Error{Provider: KindSNMP, Op: "connect", Err: err}
	}
	defer closeFn()

	r := newReads(KindSNMP, p.cfg.Timeout, p.logger)
	s := &snapshot.Snapshot{
		Hostname: p.cfg.SNMPTarget,
		IP:       p.cfg.SNMPTarget,
		CPU:      snapshot.CPU{Temperature: DefaultCPUTemperature},
		Memory:   snapshot.Memory{Temperature: DefaultMemoryTemperature},
	}

	r.do(ctx, "system", func(context.Context) error {
		pkt, err := sess.Get([]string{
			oidSysName, oidCPUIdle, oidMemTotalReal, oidMemAvailReal,
			oidMemBuffer, oidMemCached, oidSynoTemp,
		})
		if err != nil {
			return err
		}
		applyScalars(s, scalarMap(pkt.Variables))
		return nil
	})

	r.do(ctx, "disks", func(context.Context) error {
		ids, err := sess.BulkWalkAll(oidSynoDiskID)
		if err != nil {
			return err
		}
		statuses, err := sess.BulkWalkAll(oidSynoDiskStatus)
		if err != nil {
			return err
		}
		s.Storage.Disks = synologyDisks(ids, statuses)
		return nil
	})

	r.do(ctx, "storage", func(context.Context) error {
		totals, err := sess.BulkWalkAll(oidSynoRaidTotal)
		if err != nil {
			return err
		}
		frees, err := sess.BulkWalkAll(oidSynoRaidFree)
		if err != nil {
			return err
		}
		total, free := sumUints(totals), sumUints(frees)
		s.Storage.Capacity = total
		s.Storage.Free = free
		if free <= total {
			s.Storage.Used = total - free
		}
		return nil
	})

	r.do(ctx, "network", func(context.Context) error {
		descr, err := sess.BulkWalkAll(oidIfDescr)
		if err != nil {
			return err
		}
		in, err := sess.BulkWalkAll(oidIfHCInOctets)
		if err != nil {
			return err
		}
		out, err := sess.BulkWalkAll(oidIfHCOutOctets)
		if err != nil {
			return err
		}
		include := includedIndexes(descr, p.cfg.Interface)
		now := p.now()
		s.Network.Download = p.down.rate(sumIndexed(in, oidIfHCInOctets, include), now)
		s.Network.Upload = p.up.rate(sumIndexed(out, oidIfHCOutOctets, include), now)
		return nil
	})

	if err := r.err(); err != nil {
		return nil, err
	}
	return s, nil
}

// scalarMap indexes PDUs by OID, skipping NoSuchObject/NoSuchInstance.
func scalarMap(vars []gosnmp.SnmpPDU) map[string]gosnmp.SnmpPDU {
	m := make(map[string]gosnmp.SnmpPDU, len(vars))
	for _, v := range vars {
		switch v.Type {
		case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.Null:
			continue
		}
		m[normalizeOID(v.Name)] = v
	}
	return m
}

func applyScalars(s *snapshot.Snapshot, m map[string]gosnmp.SnmpPDU) {
	if v, ok := m[oidSysName]; ok {
		if name := pduString(v); name != "" {
			s.Hostname = name
		}
	}
	if v, ok := m[oidCPUIdle]; ok {
		s.CPU.Usage = 100 - float64(pduUint(v))
	}
	if v, ok := m[oidSynoTemp]; ok {
		if t := pduUint(v); t > 0 {
			s.CPU.Temperature = float64(t)
		}
	}
	total := pduUint(m[oidMemTotalReal]) * 1024
	if total == 0 {
		return
	}
	// UCD memAvailReal excludes buffers and page cache.
	available := (pduUint(m[oidMemAvailReal]) + pduUint(m[oidMemBuffer]) + pduUint(m[oidMemCached])) * 1024
	if available > total {
		available = total
	}
	s.Memory.Total = total
	s.Memory.Available = available
	s.Memory.Used = total - available
	s.Memory.Usage = float64(s.Memory.Used) / float64(total) * 100
}

// synologyDiskStatus maps SYNOLOGY-DISK-MIB diskStatus values.
func synologyDiskStatus(v uint64) snapshot.DiskStatus {
	switch v {
	case 1:
		return snapshot.DiskNormal
	case 2, 3:
		return snapshot.DiskWarning
	case 4, 5:
		return snapshot.DiskError
	}
	return snapshot.DiskWarning
}

func synologyDisks(ids, statuses []gosnmp.SnmpPDU) []snapshot.Disk {
	names := make(map[string]string, len(ids))
	for _, v := range ids {
		names[tableIndex(v.Name, oidSynoDiskID)] = pduString(v)
	}

	type row struct {
		index int
		disk  snapshot.Disk
	}
	rows := make([]row, 0, len(statuses))
	for _, v := range statuses {
		idx := tableIndex(v.Name, oidSynoDiskStatus)
		n, _ := strconv.Atoi(idx)
		rows = append(rows, row{
			index: n,
			disk:  snapshot.Disk{ID: names[idx], Status: synologyDiskStatus(pduUint(v))},
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].index < rows[j].index })

	disks := make([]snapshot.Disk, len(rows))
	for i, r := range rows {
		disks[i] = r.disk
	}
	return disks
}

// includedIndexes returns the ifIndex values whose description passes the
// interface filter.
func includedIndexes(descr []gosnmp.SnmpPDU, filter string) map[string]bool {
	include := make(map[string]bool, len(descr))
	for _, v := range descr {
		if includeInterface(pduString(v), filter) {
			include[tableIndex(v.Name, oidIfDescr)] = true
		}
	}
	return include
}

func sumIndexed(vars []gosnmp.SnmpPDU, table string, include map[string]bool) uint64 {
	var total uint64
	for _, v := range vars {
		if include[tableIndex(v.Name, table)] {
			total += pduUint(v)
		}
	}
	return total
}

func sumUints(vars []gosnmp.SnmpPDU) uint64 {
	var total uint64
	for _, v := range vars {
		total += pduUint(v)
	}
	return total
}

func normalizeOID(oid string) string {
	if !strings.HasPrefix(oid, ".") {
		return "." + oid
	}
	return oid
}

// tableIndex returns the row index suffix of a column OID.
func tableIndex(oid, column string) string {
	return strings.TrimPrefix(normalizeOID(oid), column+".")
}

func pduUint(v gosnmp.SnmpPDU) uint64 {
	if v.Value == nil {
		return 0
	}
	if _, ok := v.Value.([]byte); ok {
		n, err := strconv.ParseUint(strings.TrimSpace(pduString(v)), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	b := gosnmp.ToBigInt(v.Value)
	if b == nil || b.Sign() < 0 || !b.IsUint64() {
		return 0
	}
	return b.Uint64()
}

func pduString(v gosnmp.SnmpPDU) string {
	switch val := v.Value.(type) {
	case []byte:
		return strings.TrimRight(string(val), "\x00")
	case string:
		return val
	case *big.Int:
		return val.String()
	}
	return ""
}
