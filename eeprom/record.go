// Package eeprom decodes the identification record a board carries in its
// on-board EEPROM. The record is the standard add-on board format: a fixed
// header followed by typed atoms, each trailed by a CRC-16. The vendor atom
// identifies the board (vendor/product strings, product ID and version); a
// custom atom carries a JSON blob with the board's serial number and factory
// calibration coefficients.
//
// Reading the EEPROM itself (over the ID pins) and dumping it to disk is done
// by an external utility at install time; this package only understands the
// resulting blob. See Source for how blobs are located per address.
package eeprom

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// Record header: signature, format version, reserved byte, atom count and
// total record length, all little-endian.
const (
	headerLen     = 12
	atomHeaderLen = 8
	crcLen        = 2
)

var signature = [4]byte{'R', '-', 'P', 'i'}

type atomType uint16

const (
	atomVendorInfo atomType = 0x0001
	atomGPIOMap    atomType = 0x0002
	atomDTBlob     atomType = 0x0003
	atomCustom     atomType = 0x0004
)

// VendorInfo is the decoded vendor atom.
type VendorInfo struct {
	UUID           [16]byte
	ProductID      uint16
	ProductVersion uint16
	Vendor         string
	Product        string
}

// Record is a decoded identification record.
type Record struct {
	FormatVersion uint8
	Vendor        VendorInfo
	// Custom is the raw JSON payload of the custom atom, empty if the record
	// carries none.
	Custom []byte
}

// Parse decodes an identification record blob, validating the signature,
// structural bounds, and each atom's CRC. Unknown atom types are skipped.
func Parse(blob []byte) (*Record, error) {
	if len(blob) < headerLen {
		return nil, errors.Errorf("record too short: %d bytes", len(blob))
	}
	if [4]byte(blob[0:4]) != signature {
		return nil, errors.Errorf("bad record signature % X", blob[0:4])
	}
	version := blob[4]
	numAtoms := binary.LittleEndian.Uint16(blob[6:8])
	total := binary.LittleEndian.Uint32(blob[8:12])
	if int(total) > len(blob) || total < headerLen {
		return nil, errors.Errorf("record length field %d outside blob of %d bytes", total, len(blob))
	}

	rec := &Record{FormatVersion: version}
	sawVendor := false
	off := headerLen
	for i := 0; i < int(numAtoms); i++ {
		if off+atomHeaderLen > int(total) {
			return nil, errors.Errorf("atom %d header truncated at offset %d", i, off)
		}
		typ := atomType(binary.LittleEndian.Uint16(blob[off : off+2]))
		dlen := binary.LittleEndian.Uint32(blob[off+4 : off+8])
		if dlen < crcLen || off+atomHeaderLen+int(dlen) > int(total) {
			return nil, errors.Errorf("atom %d data length %d truncated at offset %d", i, dlen, off)
		}
		body := blob[off : off+atomHeaderLen+int(dlen)-crcLen]
		data := body[atomHeaderLen:]
		want := binary.LittleEndian.Uint16(blob[off+atomHeaderLen+int(dlen)-crcLen : off+atomHeaderLen+int(dlen)])
		if got := crc16(body); got != want {
			return nil, errors.Errorf("atom %d CRC mismatch: computed %04x, stored %04x", i, got, want)
		}

		switch typ {
		case atomVendorInfo:
			v, err := parseVendorInfo(data)
			if err != nil {
				return nil, errors.Wrapf(err, "atom %d", i)
			}
			rec.Vendor = v
			sawVendor = true
		case atomCustom:
			rec.Custom = append([]byte(nil), data...)
		case atomGPIOMap, atomDTBlob:
			// Consumed by the firmware/boot side, not by this driver.
		}
		off += atomHeaderLen + int(dlen)
	}
	if !sawVendor {
		return nil, errors.New("record has no vendor atom")
	}
	return rec, nil
}

func parseVendorInfo(data []byte) (VendorInfo, error) {
	var v VendorInfo
	if len(data) < 22 {
		return v, errors.Errorf("vendor atom too short: %d bytes", len(data))
	}
	copy(v.UUID[:], data[0:16])
	v.ProductID = binary.LittleEndian.Uint16(data[16:18])
	v.ProductVersion = binary.LittleEndian.Uint16(data[18:20])
	vslen := int(data[20])
	pslen := int(data[21])
	if 22+vslen+pslen > len(data) {
		return v, errors.Errorf("vendor atom strings truncated (%d+%d bytes in %d)", vslen, pslen, len(data))
	}
	v.Vendor = string(data[22 : 22+vslen])
	v.Product = string(data[22+vslen : 22+vslen+pslen])
	return v, nil
}

// MarshalBinary encodes the record in the on-EEPROM format, emitting a vendor
// atom and, when Custom is non-empty, a custom atom. The EEPROM flashing
// utility and tests use this; the driver itself only parses.
func (r *Record) MarshalBinary() ([]byte, error) {
	vendor, err := appendVendorInfo(nil, r.Vendor)
	if err != nil {
		return nil, err
	}
	atoms := appendAtom(nil, atomVendorInfo, 0, vendor)
	numAtoms := 1
	if len(r.Custom) > 0 {
		atoms = appendAtom(atoms, atomCustom, 1, r.Custom)
		numAtoms++
	}

	out := make([]byte, headerLen, headerLen+len(atoms))
	copy(out[0:4], signature[:])
	out[4] = r.FormatVersion
	binary.LittleEndian.PutUint16(out[6:8], uint16(numAtoms))
	binary.LittleEndian.PutUint32(out[8:12], uint32(headerLen+len(atoms)))
	return append(out, atoms...), nil
}

func appendVendorInfo(dst []byte, v VendorInfo) ([]byte, error) {
	if len(v.Vendor) > 255 || len(v.Product) > 255 {
		return nil, errors.New("vendor/product strings limited to 255 bytes")
	}
	dst = append(dst, v.UUID[:]...)
	dst = binary.LittleEndian.AppendUint16(dst, v.ProductID)
	dst = binary.LittleEndian.AppendUint16(dst, v.ProductVersion)
	dst = append(dst, byte(len(v.Vendor)), byte(len(v.Product)))
	dst = append(dst, v.Vendor...)
	dst = append(dst, v.Product...)
	return dst, nil
}

func appendAtom(dst []byte, typ atomType, index uint16, data []byte) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(typ))
	dst = binary.LittleEndian.AppendUint16(dst, index)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)+crcLen))
	dst = append(dst, data...)
	return binary.LittleEndian.AppendUint16(dst, crc16(dst[start:]))
}

// crc16 is the reflected CRC-16 (polynomial 0xA001) the record format trails
// each atom with.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// FactoryData is the manufacturing data consumed by the calibration pipeline:
// the board serial, the factory calibration date, and one slope/offset pair
// per calibratable channel or range (which of the two depends on the board
// type).
type FactoryData struct {
	Serial  string
	CalDate string
	Slopes  []float64
	Offsets []float64
}

type factoryJSON struct {
	Serial      string `json:"serial"`
	Calibration struct {
		Date    string    `json:"date"`
		Slopes  []float64 `json:"slopes"`
		Offsets []float64 `json:"offsets"`
	} `json:"calibration"`
}

// FactoryData decodes the custom atom's JSON payload.
func (r *Record) FactoryData() (FactoryData, error) {
	if len(r.Custom) == 0 {
		return FactoryData{}, errors.New("record has no factory data atom")
	}
	var fj factoryJSON
	if err := json.Unmarshal(r.Custom, &fj); err != nil {
		return FactoryData{}, errors.Wrap(err, "factory data JSON")
	}
	if len(fj.Calibration.Slopes) != len(fj.Calibration.Offsets) {
		return FactoryData{}, errors.Errorf("calibration shape mismatch: %d slopes, %d offsets",
			len(fj.Calibration.Slopes), len(fj.Calibration.Offsets))
	}
	return FactoryData{
		Serial:  fj.Serial,
		CalDate: fj.Calibration.Date,
		Slopes:  fj.Calibration.Slopes,
		Offsets: fj.Calibration.Offsets,
	}, nil
}

// IdentityFactoryData returns factory data with identity calibration (slope 1,
// offset 0) for n channels or ranges. It is the fallback when a board's
// record is absent or malformed.
func IdentityFactoryData(n int) FactoryData {
	fd := FactoryData{
		Serial:  "00000000",
		Slopes:  make([]float64, n),
		Offsets: make([]float64, n),
	}
	for i := range fd.Slopes {
		fd.Slopes[i] = 1
	}
	return fd
}
