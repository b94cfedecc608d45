/* packer.go: reflection-driven packing of fixed-layout wire structures
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"encoding/binary"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Packer packs and unpacks structs according to their `pack:""` tags.
//
// Supported flags:
//   zeros             field is written as zeros and skipped on unpack
//   len=Field         uint8 holding the byte length of Field
//   cksum2=N          uint8 holding the two's complement checksum of bytes [N:here]
//   fill=N            slice consuming the rest of the buffer, adjusted by N (N <= 0)
//   authcodelen=Field slice that is 16 bytes when Field != 0, else absent
type Packer struct {
	ByteOrder binary.ByteOrder
}

// packer handles every IPMI/RMCP+ structure; ASF is big-endian on the wire.
var (
	packer    = Packer{ByteOrder: binary.LittleEndian}
	asfPacker = Packer{ByteOrder: binary.BigEndian}
)

func (p Packer) parseArgs(args string) map[string]string {
	r := make(map[string]string)
	argv := strings.Split(args, ",")
	for _, arg := range argv {
		pair := strings.SplitN(arg, "=", 2)
		if len(pair) == 2 {
			r[strings.TrimSpace(pair[0])] = strings.TrimSpace(pair[1])
		} else {
			r[strings.TrimSpace(pair[0])] = ""
		}
	}
	return r
}

func (p Packer) cksumStart(flags map[string]string, last int) (int, error) {
	start, err := strconv.Atoi(flags["cksum2"])
	if err != nil {
		return 0, errors.Wrap(err, "bad cksum2 offset")
	}
	if start < 0 || start > last {
		return 0, errors.Errorf("cksum2 offset %d out of range", start)
	}
	return start, nil
}

// Cksum2 is Checksum over a slice; kept for callers that carry a Packer.
func (p Packer) Cksum2(buf []byte) uint8 {
	return Checksum(buf...)
}

// Pack serializes a tagged struct (or pointer to one).
// Computed fields (len, cksum2) are written back into the struct.
func (p Packer) Pack(packet interface{}) (b []byte, e []error) {
	sv := reflect.Indirect(reflect.ValueOf(packet))
	st := sv.Type()
	if st.Kind() != reflect.Struct {
		e = append(e, errors.Errorf("not a struct: %v", st))
		return
	}
	for i := 0; i < st.NumField(); i++ {
		ft := st.Field(i)
		fv := sv.Field(i)
		flagStr, ok := ft.Tag.Lookup("pack")
		if !ok {
			continue
		}
		flags := p.parseArgs(flagStr)
		_, zeros := flags["zeros"]

		switch ft.Type.Kind() {
		case reflect.Array:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				e = append(e, errors.Errorf("%s: arrays must be of bytes", ft.Name))
				continue
			}
			chunk := make([]byte, ft.Type.Len())
			if !zeros {
				reflect.Copy(reflect.ValueOf(chunk), fv)
			}
			b = append(b, chunk...)
		case reflect.Slice:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				e = append(e, errors.Errorf("%s: slices must be of bytes", ft.Name))
				continue
			}
			if zeros {
				b = append(b, make([]byte, fv.Len())...)
			} else {
				b = append(b, fv.Bytes()...)
			}
		case reflect.Uint8:
			if _, ok := flags["cksum2"]; ok {
				start, err := p.cksumStart(flags, len(b))
				if err != nil {
					e = append(e, err)
					continue
				}
				if fv.CanSet() {
					fv.SetUint(uint64(Checksum(b[start:]...)))
				}
			}
			if ref, ok := flags["len"]; ok {
				refv := sv.FieldByName(ref)
				if refv.IsValid() && (refv.Kind() == reflect.Array || refv.Kind() == reflect.Slice) {
					if fv.CanSet() {
						fv.SetUint(uint64(refv.Len()) * uint64(refv.Type().Elem().Size()))
					}
				} else {
					e = append(e, errors.Errorf("%s: len refers to invalid field %s", ft.Name, ref))
				}
			}
			if zeros {
				b = append(b, 0)
			} else {
				b = append(b, uint8(fv.Uint()))
			}
		case reflect.Uint16:
			chunk := make([]byte, 2)
			if !zeros {
				p.ByteOrder.PutUint16(chunk, uint16(fv.Uint()))
			}
			b = append(b, chunk...)
		case reflect.Uint32:
			chunk := make([]byte, 4)
			if !zeros {
				p.ByteOrder.PutUint32(chunk, uint32(fv.Uint()))
			}
			b = append(b, chunk...)
		case reflect.Uint64:
			chunk := make([]byte, 8)
			if !zeros {
				p.ByteOrder.PutUint64(chunk, fv.Uint())
			}
			b = append(b, chunk...)
		default:
			e = append(e, errors.Errorf("%s: unhandled kind: %v", ft.Name, ft.Type.Kind()))
		}
	}
	return
}

// Unpack fills a tagged struct pointer from b.
// Unpacking stops at the first length error; checksum mismatches are reported but do not stop it.
func (p Packer) Unpack(b []byte, packet interface{}) (e []error) {
	sv := reflect.Indirect(reflect.ValueOf(packet))
	st := sv.Type()
	if st.Kind() != reflect.Struct {
		e = append(e, errors.Errorf("not a struct: %v", st))
		return
	}
	last := 0
	need := func(name string, n int) bool {
		if n < 0 || last+n > len(b) {
			e = append(e, errors.Wrapf(ErrShortPacket, "%s needs %d bytes at offset %d, have %d", name, n, last, len(b)))
			return false
		}
		return true
	}

	for i := 0; i < st.NumField(); i++ {
		ft := st.Field(i)
		fv := sv.Field(i)
		flagStr, ok := ft.Tag.Lookup("pack")
		if !ok {
			continue
		}
		flags := p.parseArgs(flagStr)
		_, zeros := flags["zeros"]
		set := !zeros && fv.CanSet()

		switch ft.Type.Kind() {
		case reflect.Array:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				e = append(e, errors.Errorf("%s: arrays must be of bytes", ft.Name))
				continue
			}
			n := ft.Type.Len()
			if !need(ft.Name, n) {
				return
			}
			if set {
				reflect.Copy(fv, reflect.ValueOf(b[last:last+n]))
			}
			last += n
		case reflect.Slice:
			if ft.Type.Elem().Kind() != reflect.Uint8 {
				e = append(e, errors.Errorf("%s: slices must be of bytes", ft.Name))
				continue
			}
			n := len(b) - last
			if offStr, ok := flags["fill"]; ok {
				off, err := strconv.Atoi(offStr)
				if err != nil {
					e = append(e, errors.Wrapf(err, "%s: bad fill", ft.Name))
					continue
				}
				n += off
			}
			if aclen, ok := flags["authcodelen"]; ok {
				ac := sv.FieldByName(aclen)
				if ac.Kind() != reflect.Uint8 {
					e = append(e, errors.Errorf("%s: authcodelen on invalid type", ft.Name))
					continue
				}
				if uint8(ac.Uint()) == IPMIAuthTypeNONE {
					n = 0
				} else {
					n = 16
				}
			}
			if !need(ft.Name, n) {
				return
			}
			if set && n != 0 {
				v := make([]byte, n)
				copy(v, b[last:last+n])
				fv.SetBytes(v)
			}
			last += n
		case reflect.Uint8:
			if !need(ft.Name, 1) {
				return
			}
			if _, ok := flags["cksum2"]; ok {
				start, err := p.cksumStart(flags, last)
				if err != nil {
					e = append(e, err)
				} else if ck := Checksum(b[start:last]...); ck != b[last] {
					e = append(e, errors.Wrapf(ErrBadChecksum, "%s: %#02x != %#02x", ft.Name, ck, b[last]))
				}
			}
			if set {
				fv.SetUint(uint64(b[last]))
			}
			last++
		case reflect.Uint16:
			if !need(ft.Name, 2) {
				return
			}
			if set {
				fv.SetUint(uint64(p.ByteOrder.Uint16(b[last:])))
			}
			last += 2
		case reflect.Uint32:
			if !need(ft.Name, 4) {
				return
			}
			if set {
				fv.SetUint(uint64(p.ByteOrder.Uint32(b[last:])))
			}
			last += 4
		case reflect.Uint64:
			if !need(ft.Name, 8) {
				return
			}
			if set {
				fv.SetUint(p.ByteOrder.Uint64(b[last:]))
			}
			last += 8
		default:
			e = append(e, errors.Errorf("%s: unhandled kind: %v", ft.Name, ft.Type.Kind()))
		}
	}
	return
}

// PackMust packs structures whose layout is fixed at compile time; a failure is a programming error.
func (p Packer) PackMust(i interface{}) []byte {
	b, es := p.Pack(i)
	if len(es) > 0 {
		panic(es[0])
	}
	return b
}

// UnpackErr is Unpack collapsed to its first error.
func (p Packer) UnpackErr(b []byte, packet interface{}) error {
	if es := p.Unpack(b, packet); len(es) > 0 {
		return es[0]
	}
	return nil
}
