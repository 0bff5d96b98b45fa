package daqhat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/daqhat/buslock"
	"github.com/viam-labs/daqhat/calibration"
	"github.com/viam-labs/daqhat/eeprom"
	"github.com/viam-labs/daqhat/transport"
)

// DefaultLockDir holds the advisory lock files shared with other processes
// using the boards. Each cooperating process must use the same directory.
const DefaultLockDir = "/tmp/daqhat"

// Config selects the bus, pins, and directories a Registry uses. The zero
// value works on a stock Raspberry Pi setup.
type Config struct {
	// BusName is the SPI port all boards share, for example "SPI0.0".
	BusName string `json:"bus_name,omitempty"`
	// AddressPins are the three GPIO lines driving the board address,
	// lowest bit first.
	AddressPins []string `json:"address_pins,omitempty"`
	// LockDir holds the cross-process lock files.
	LockDir string `json:"lock_dir,omitempty"`
	// EEPROMDir holds the identification records copied from board EEPROMs.
	EEPROMDir string `json:"eeprom_dir,omitempty"`
}

// Validate ensures the config is structurally valid.
func (cfg *Config) Validate(path string) error {
	if len(cfg.AddressPins) != 0 && len(cfg.AddressPins) != len(transport.DefaultAddressPins) {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("address_pins must name %d pins", len(transport.DefaultAddressPins)))
	}
	for i, pin := range cfg.AddressPins {
		if pin == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, fmt.Sprintf("address_pins.%d", i))
		}
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.BusName == "" {
		cfg.BusName = transport.DefaultBusName
	}
	if len(cfg.AddressPins) == 0 {
		cfg.AddressPins = transport.DefaultAddressPins[:]
	}
	if cfg.LockDir == "" {
		cfg.LockDir = DefaultLockDir
	}
	if cfg.EEPROMDir == "" {
		cfg.EEPROMDir = eeprom.DefaultDir
	}
	return cfg
}

// BusOpener opens the shared bus for a device being opened. The profile
// supplies the board's SPI speed and mode.
type BusOpener func(p *Profile) (transport.Bus, error)

// Registry tracks the open devices in this process. All opens of the same
// address share one Device; the registry refcounts them so independent parts
// of a program can open and close a board without coordinating.
type Registry struct {
	logger  golog.Logger
	openBus BusOpener
	sel     transport.AddressSelector
	source  eeprom.Source
	busLock *buslock.Lock
	lockDir string

	mu      sync.Mutex
	devices [MaxDevices]*Device
	closed  bool
}

// NewRegistry returns a registry using the host's SPI port and GPIO address
// pins.
func NewRegistry(cfg Config, logger golog.Logger) (*Registry, error) {
	cfg = cfg.withDefaults()
	var pins [3]string
	copy(pins[:], cfg.AddressPins)
	sel, err := transport.NewPeriphSelector(pins)
	if err != nil {
		return nil, errors.Wrapf(ErrResourceUnavailable, "address pins: %v", err)
	}
	opener := func(p *Profile) (transport.Bus, error) {
		return transport.OpenPeriphBus(cfg.BusName, p.SPISpeed, p.SPIMode)
	}
	return newRegistry(cfg, opener, sel, logger)
}

// NewRegistryForBus returns a registry on a caller-supplied bus and address
// selector. Tests use it to stand in simulated boards.
func NewRegistryForBus(
	cfg Config,
	opener BusOpener,
	sel transport.AddressSelector,
	logger golog.Logger,
) (*Registry, error) {
	return newRegistry(cfg.withDefaults(), opener, sel, logger)
}

func newRegistry(
	cfg Config,
	opener BusOpener,
	sel transport.AddressSelector,
	logger golog.Logger,
) (*Registry, error) {
	// 0o777 so unrelated users' processes can share the lock files.
	if err := os.MkdirAll(cfg.LockDir, 0o777); err != nil {
		return nil, errors.Wrapf(ErrResourceUnavailable, "lock dir %s: %v", cfg.LockDir, err)
	}
	return &Registry{
		logger:  logger,
		openBus: opener,
		sel:     sel,
		source:  &eeprom.DirSource{Dir: cfg.EEPROMDir},
		busLock: buslock.NewLock(filepath.Join(cfg.LockDir, "bus.lock")),
		lockDir: cfg.LockDir,
	}, nil
}

// Open returns a handle for the board at address, checking over the bus that
// it really is the given board type. Opening an already open address returns
// the existing handle with its reference count raised; the profile must
// match.
func (r *Registry) Open(ctx context.Context, address int, profile *Profile) (*Device, error) {
	if profile == nil {
		return nil, errors.Wrap(ErrBadParameter, "nil profile")
	}
	if address < 0 || address >= MaxDevices {
		return nil, errors.Wrapf(ErrBadParameter, "address %d of %d", address, MaxDevices)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Wrap(ErrResourceUnavailable, "registry is closed")
	}
	if d := r.devices[address]; d != nil {
		if d.profile != profile {
			return nil, errors.Wrapf(ErrBadParameter, "address %d already open as %s",
				address, d.profile.Name)
		}
		d.mu.Lock()
		d.refs++
		d.mu.Unlock()
		return d, nil
	}

	fd := r.factoryData(address, profile)
	bus, err := r.openBus(profile)
	if err != nil {
		return nil, errors.Wrapf(ErrResourceUnavailable, "opening bus for address %d: %v", address, err)
	}
	d := &Device{
		address:     address,
		profile:     profile,
		tr:          transport.New(bus, r.sel, r.busLock, address),
		addrLock:    buslock.NewLock(filepath.Join(r.lockDir, fmt.Sprintf("board-%d.lock", address))),
		logger:      r.logger,
		clock:       clock.New(),
		registry:    r,
		refs:        1,
		factory:     fd,
		coeffs:      coefficientsFrom(fd),
		sensitivity: unitSensitivities(profile.Channels),
	}
	if err := d.identify(ctx); err != nil {
		goutils.UncheckedError(d.tr.Close())
		return nil, err
	}
	r.devices[address] = d
	r.logger.Infow("board open",
		"address", address,
		"product", profile.Name,
		"serial", fd.Serial,
		"firmware", versionString(d.firmware),
	)
	return d, nil
}

// factoryData loads the board's identification record. Any failure falls
// back to identity calibration so a board with a blank or damaged EEPROM
// still opens, just uncorrected.
func (r *Registry) factoryData(address int, profile *Profile) eeprom.FactoryData {
	n := profile.numCalCoefficients()
	blob, err := r.source.ReadRecord(address)
	if err != nil {
		r.logger.Warnw("identification record unavailable, using identity calibration",
			"address", address, "error", err)
		return eeprom.IdentityFactoryData(n)
	}
	rec, err := eeprom.Parse(blob)
	if err != nil {
		r.logger.Warnw("identification record corrupt, using identity calibration",
			"address", address, "error", err)
		return eeprom.IdentityFactoryData(n)
	}
	if rec.Vendor.ProductID != profile.ProductID {
		r.logger.Warnw("identification record is for a different product, using identity calibration",
			"address", address,
			"product", fmt.Sprintf("0x%04X", rec.Vendor.ProductID),
			"want", fmt.Sprintf("0x%04X", profile.ProductID))
		return eeprom.IdentityFactoryData(n)
	}
	fd, err := rec.FactoryData()
	if err != nil {
		r.logger.Warnw("factory data unusable, using identity calibration",
			"address", address, "error", err)
		return eeprom.IdentityFactoryData(n)
	}
	if len(fd.Slopes) != n {
		r.logger.Warnw("factory calibration does not fit board, using identity calibration",
			"address", address, "coefficients", len(fd.Slopes), "want", n)
		return eeprom.IdentityFactoryData(n)
	}
	for i := range fd.Slopes {
		c := calibration.Coefficient{Slope: fd.Slopes[i], Offset: fd.Offsets[i]}
		if !c.Valid() {
			r.logger.Warnw("factory calibration coefficient invalid, using identity calibration",
				"address", address, "index", i, "slope", fd.Slopes[i], "offset", fd.Offsets[i])
			return eeprom.IdentityFactoryData(n)
		}
	}
	return fd
}

// Detected describes a board found by List.
type Detected struct {
	Address int
	Profile *Profile
	Vendor  string
	Product string
	Serial  string
}

// List reports the boards whose identification records are present, without
// opening them or touching the bus. Addresses with no record are skipped.
func (r *Registry) List() []Detected {
	var found []Detected
	for address := 0; address < MaxDevices; address++ {
		blob, err := r.source.ReadRecord(address)
		if err != nil {
			continue
		}
		rec, err := eeprom.Parse(blob)
		if err != nil {
			r.logger.Debugw("skipping unreadable identification record",
				"address", address, "error", err)
			continue
		}
		profile, ok := ProfileByProduct(rec.Vendor.ProductID)
		if !ok {
			r.logger.Debugw("skipping unknown product",
				"address", address, "product", fmt.Sprintf("0x%04X", rec.Vendor.ProductID))
			continue
		}
		det := Detected{
			Address: address,
			Profile: profile,
			Vendor:  rec.Vendor.Vendor,
			Product: rec.Vendor.Product,
		}
		if fd, err := rec.FactoryData(); err == nil {
			det.Serial = fd.Serial
		}
		found = append(found, det)
	}
	return found
}

func (r *Registry) closeDevice(d *Device) error {
	r.mu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		r.mu.Unlock()
		return errors.Wrapf(ErrResourceUnavailable, "address %d is closed", d.address)
	}
	d.refs--
	if d.refs > 0 {
		d.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	d.closed = true
	if r.devices[d.address] == d {
		r.devices[d.address] = nil
	}
	d.mu.Unlock()
	r.mu.Unlock()
	return d.teardown()
}

// Close force-closes every open device regardless of reference count and
// makes the registry unusable. Calling it twice is fine.
func (r *Registry) Close(_ context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var open []*Device
	for i, d := range r.devices {
		if d == nil {
			continue
		}
		r.devices[i] = nil
		d.mu.Lock()
		d.refs = 0
		d.closed = true
		d.mu.Unlock()
		open = append(open, d)
	}
	r.mu.Unlock()

	var err error
	for _, d := range open {
		err = multierr.Combine(err, d.teardown())
	}
	return err
}
