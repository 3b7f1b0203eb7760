package vmsa

import "fmt"

// Granule encodings of the TG0 field (TTBR0-side regimes).
const (
	TG0Granule4K  = 0b00
	TG0Granule64K = 0b01
	TG0Granule16K = 0b10
)

// Granule encodings of the TG1 field. TG1 is encoded differently from TG0;
// the two must never be unified.
const (
	TG1Granule16K = 0b01
	TG1Granule4K  = 0b10
	TG1Granule64K = 0b11
)

func tcrField(v uint64, lo, bits uint) uint32 {
	return uint32(v>>lo) & (1<<bits - 1)
}

// TCR_EL1 is the 64-bit Translation Control Register at EL1
// (ARM ARM D7.2.84). It carries two translation regimes: the TTBR0 side
// (T0SZ/TG0, the EL0 regime) and the TTBR1 side (T1SZ/TG1, the EL1 regime).
type TCR_EL1 uint64

func (t TCR_EL1) T0SZ() uint32  { return tcrField(uint64(t), 0, 6) }
func (t TCR_EL1) EPD0() bool    { return t&(1<<7) != 0 }
func (t TCR_EL1) IRGN0() uint32 { return tcrField(uint64(t), 8, 2) }
func (t TCR_EL1) ORGN0() uint32 { return tcrField(uint64(t), 10, 2) }
func (t TCR_EL1) SH0() uint32   { return tcrField(uint64(t), 12, 2) }
func (t TCR_EL1) TG0() uint32   { return tcrField(uint64(t), 14, 2) }
func (t TCR_EL1) T1SZ() uint32  { return tcrField(uint64(t), 16, 6) }
func (t TCR_EL1) A1() bool      { return t&(1<<22) != 0 }
func (t TCR_EL1) EPD1() bool    { return t&(1<<23) != 0 }
func (t TCR_EL1) IRGN1() uint32 { return tcrField(uint64(t), 24, 2) }
func (t TCR_EL1) ORGN1() uint32 { return tcrField(uint64(t), 26, 2) }
func (t TCR_EL1) SH1() uint32   { return tcrField(uint64(t), 28, 2) }
func (t TCR_EL1) TG1() uint32   { return tcrField(uint64(t), 30, 2) }
func (t TCR_EL1) IPS() uint32   { return tcrField(uint64(t), 32, 3) }
func (t TCR_EL1) AS() bool      { return t&(1<<36) != 0 }
func (t TCR_EL1) TBI0() bool    { return t&(1<<37) != 0 }
func (t TCR_EL1) TBI1() bool    { return t&(1<<38) != 0 }

// TCR_EL2 is the 32-bit Translation Control Register at EL2
// (ARM ARM D7.2.85). One TTBR0-side regime.
type TCR_EL2 uint32

func (t TCR_EL2) T0SZ() uint32  { return tcrField(uint64(t), 0, 6) }
func (t TCR_EL2) IRGN0() uint32 { return tcrField(uint64(t), 8, 2) }
func (t TCR_EL2) ORGN0() uint32 { return tcrField(uint64(t), 10, 2) }
func (t TCR_EL2) SH0() uint32   { return tcrField(uint64(t), 12, 2) }
func (t TCR_EL2) TG0() uint32   { return tcrField(uint64(t), 14, 2) }
func (t TCR_EL2) PS() uint32    { return tcrField(uint64(t), 16, 3) }
func (t TCR_EL2) TBI() bool     { return t&(1<<20) != 0 }

// TCR_EL3 is the 32-bit Translation Control Register at EL3
// (ARM ARM D7.2.86). Same layout as TCR_EL2.
type TCR_EL3 uint32

func (t TCR_EL3) T0SZ() uint32  { return tcrField(uint64(t), 0, 6) }
func (t TCR_EL3) IRGN0() uint32 { return tcrField(uint64(t), 8, 2) }
func (t TCR_EL3) ORGN0() uint32 { return tcrField(uint64(t), 10, 2) }
func (t TCR_EL3) SH0() uint32   { return tcrField(uint64(t), 12, 2) }
func (t TCR_EL3) TG0() uint32   { return tcrField(uint64(t), 14, 2) }
func (t TCR_EL3) PS() uint32    { return tcrField(uint64(t), 16, 3) }
func (t TCR_EL3) TBI() bool     { return t&(1<<20) != 0 }

func granuleFromTG0(tg uint32) (Granule, error) {
	switch tg {
	case TG0Granule4K:
		return Granule4K, nil
	case TG0Granule16K:
		return Granule16K, nil
	case TG0Granule64K:
		return Granule64K, nil
	}
	return GranuleUndefined, fmt.Errorf("vmsa: invalid TG0 encoding %#02b", tg)
}

func granuleFromTG1(tg uint32) (Granule, error) {
	switch tg {
	case TG1Granule4K:
		return Granule4K, nil
	case TG1Granule16K:
		return Granule16K, nil
	case TG1Granule64K:
		return Granule64K, nil
	}
	return GranuleUndefined, fmt.Errorf("vmsa: invalid TG1 encoding %#02b", tg)
}

// MMUConfig is the effective translation regime for one Exception level.
type MMUConfig struct {
	Granule          Granule
	InitialLevel     Level
	RegionSizeOffset uint32
}

// InitialLevel returns the lookup level a walk starts at for the given
// granule and region size offset, per ARM ARM tables D4-11, D4-14 and
// D4-17 (no concatenation of tables). Offsets outside [16,39] are an
// error.
func InitialLevel(granule Granule, regionSizeOffset uint32) (Level, error) {
	rso := regionSizeOffset
	if rso < 16 || rso > 39 {
		return LevelUndefined, fmt.Errorf("vmsa: region size offset %d out of range [16,39]", rso)
	}

	switch granule {
	case Granule4K:
		switch {
		case rso <= 24:
			return Level0, nil
		case rso <= 33:
			return Level1, nil
		default:
			return Level2, nil
		}
	case Granule16K:
		switch {
		case rso == 16:
			return Level0, nil
		case rso <= 27:
			return Level1, nil
		case rso <= 38:
			return Level2, nil
		default:
			return Level3, nil
		}
	case Granule64K:
		switch {
		case rso <= 21:
			return Level1, nil
		case rso <= 34:
			return Level2, nil
		default:
			return Level3, nil
		}
	}
	return LevelUndefined, fmt.Errorf("vmsa: initial level of undefined granule %#x", uint64(granule))
}

func regimeConfig(granule Granule, rso uint32) (MMUConfig, error) {
	cfg := MMUConfig{Granule: granule, InitialLevel: LevelUndefined, RegionSizeOffset: rso}
	if rso == 0 {
		// Unused TTBR; leave the initial level undefined.
		return cfg, nil
	}
	level, err := InitialLevel(granule, rso)
	if err != nil {
		return MMUConfig{}, err
	}
	cfg.InitialLevel = level
	return cfg, nil
}

// MMUConfigParser derives per-Exception-level MMU configurations from
// Translation Control Register values.
type MMUConfigParser struct {
	configs [numExceptionLevels]MMUConfig
}

// NewMMUConfigParser returns a parser with all Exception level slots
// undefined.
func NewMMUConfigParser() *MMUConfigParser {
	p := &MMUConfigParser{}
	p.Clear()
	return p
}

// SetTCR_EL1 parses both regimes of TCR_EL1: the TTBR0 side fills the EL0
// slot, the TTBR1 side fills the EL1 slot. Neither slot is updated on
// error.
func (p *MMUConfigParser) SetTCR_EL1(tcr TCR_EL1) error {
	granule0, err := granuleFromTG0(tcr.TG0())
	if err != nil {
		return err
	}
	cfg0, err := regimeConfig(granule0, tcr.T0SZ())
	if err != nil {
		return err
	}

	granule1, err := granuleFromTG1(tcr.TG1())
	if err != nil {
		return err
	}
	cfg1, err := regimeConfig(granule1, tcr.T1SZ())
	if err != nil {
		return err
	}

	p.configs[EL0] = cfg0
	p.configs[EL1] = cfg1
	return nil
}

// SetTCR_EL2 parses TCR_EL2 into the EL2 slot.
func (p *MMUConfigParser) SetTCR_EL2(tcr TCR_EL2) error {
	granule, err := granuleFromTG0(tcr.TG0())
	if err != nil {
		return err
	}
	cfg, err := regimeConfig(granule, tcr.T0SZ())
	if err != nil {
		return err
	}
	p.configs[EL2] = cfg
	return nil
}

// SetTCR_EL3 parses TCR_EL3 into the EL3 slot.
func (p *MMUConfigParser) SetTCR_EL3(tcr TCR_EL3) error {
	granule, err := granuleFromTG0(tcr.TG0())
	if err != nil {
		return err
	}
	cfg, err := regimeConfig(granule, tcr.T0SZ())
	if err != nil {
		return err
	}
	p.configs[EL3] = cfg
	return nil
}

// ConfigFor returns the stored configuration for an Exception level.
func (p *MMUConfigParser) ConfigFor(el ExceptionLevel) MMUConfig {
	if el < EL0 || el > EL3 {
		panic(fmt.Sprintf("vmsa: config of undefined exception level %d", int(el)))
	}
	return p.configs[el]
}

// Clear resets every Exception level slot to undefined.
func (p *MMUConfigParser) Clear() {
	for i := range p.configs {
		p.configs[i] = MMUConfig{
			Granule:          GranuleUndefined,
			InitialLevel:     LevelUndefined,
			RegionSizeOffset: 0,
		}
	}
}
