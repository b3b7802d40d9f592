package mac

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// ErrCounterOverflow is spec §4.6.1 step 6's COUNTER_ERROR: the per-device
// frame counter saturated at u32::MAX.
var ErrCounterOverflow = errors.New("mac: frame counter saturated")

// Nonce builds the 13-byte CCM* nonce the standard defines: the 64-bit
// source extended address, the 32-bit frame counter, and the 1-byte
// security level (spec §4.6.1 step 5).
func Nonce(srcEUI uint64, frameCounter uint32, level SecurityLevel) [13]byte {
	var n [13]byte
	binary.BigEndian.PutUint64(n[0:8], srcEUI)
	binary.BigEndian.PutUint32(n[8:12], frameCounter)
	n[12] = byte(level)
	return n
}

// KeyTable resolves (KeyIDMode, KeyIndex) to a KeyDescriptor, standing in
// for the spec's "key-description table" (§4.6.1 step 4).
type KeyTable struct {
	entries map[uint16]KeyDescriptor
}

// NewKeyTable creates an empty table.
func NewKeyTable() *KeyTable {
	return &KeyTable{entries: make(map[uint16]KeyDescriptor)}
}

func keyTableKey(mode KeyIDMode, index uint8) uint16 {
	return uint16(mode)<<8 | uint16(index)
}

// Set installs or replaces a key descriptor.
func (k *KeyTable) Set(d KeyDescriptor) {
	k.entries[keyTableKey(d.KeyIDMode, d.KeyIndex)] = d
}

// Resolve looks up a key descriptor, returning ErrUnresolvedKey if none
// matches — the caller must fail the request with StatusUnavailableKey.
func (k *KeyTable) Resolve(mode KeyIDMode, index uint8) (KeyDescriptor, error) {
	d, ok := k.entries[keyTableKey(mode, index)]
	if !ok {
		return KeyDescriptor{}, ErrUnresolvedKey
	}
	return d, nil
}

// DeviceTable resolves a peer's DeviceDescriptor by its 16-bit short
// address, tracking the per-device monotonic frame counter spec §3.4
// invariant (c) requires.
type DeviceTable struct {
	byShort map[uint16]*DeviceDescriptor
	byExt   map[uint64]*DeviceDescriptor
}

func NewDeviceTable() *DeviceTable {
	return &DeviceTable{byShort: make(map[uint16]*DeviceDescriptor), byExt: make(map[uint64]*DeviceDescriptor)}
}

func (t *DeviceTable) Put(d *DeviceDescriptor) {
	t.byShort[d.ShortAddr] = d
	t.byExt[d.ExtAddr] = d
}

func (t *DeviceTable) ByShort(addr uint16) (*DeviceDescriptor, bool) {
	d, ok := t.byShort[addr]
	return d, ok
}

func (t *DeviceTable) ByExt(addr uint64) (*DeviceDescriptor, bool) {
	d, ok := t.byExt[addr]
	return d, ok
}

// NextCounter increments d's frame counter and returns the value to use
// for the frame about to be sent, or ErrCounterOverflow if the counter is
// already saturated (spec §4.6.1 step 6).
func (t *DeviceTable) NextCounter(d *DeviceDescriptor) (uint32, error) {
	if d.FrameCounter == ^uint32(0) {
		return 0, ErrCounterOverflow
	}
	fc := d.FrameCounter
	d.FrameCounter++
	return fc, nil
}

// ccmStar implements the CCM* construction IEEE 802.15.4 security uses:
// CBC-MAC authentication over (header || payload) producing a MIC of the
// requested length, and CTR-mode encryption of the whole payload it is
// given; it has no special case for a MAC command frame's command-id
// byte, and no caller in this package slices that byte out. No pack
// example ships an 802.15.4 CCM* implementation (it is a narrow,
// standard-mandated primitive, not a general-purpose crypto library
// concern) so this is hand-rolled directly on crypto/aes block
// primitives, as a stdlib-only leaf.
type ccmStar struct {
	block [16]byte
	aead  cipherBlock
}

// cipherBlock is the minimal crypto/cipher.Block surface this file uses,
// named locally so the CTR/CBC-MAC helpers below don't need to import
// crypto/cipher just for the interface.
type cipherBlock interface {
	BlockSize() int
	Encrypt(dst, src []byte)
}

func newCCMStar(key [16]byte) (*ccmStar, error) {
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return &ccmStar{aead: blk}, nil
}

// Encrypt authenticates header||plaintext and, if encrypted is true,
// returns an encrypted copy of plaintext (CTR mode keyed off nonce; the
// input slice is not modified), along with a micLen-byte MIC. encrypted=false (levels 1-3) authenticates only,
// leaving payload bytes in the clear.
func (c *ccmStar) Encrypt(nonce [13]byte, header, plaintext []byte, micLen int, encrypted bool) (ciphertext []byte, mic []byte) {
	tag := c.cbcMAC(nonce, header, plaintext, micLen)

	out := append([]byte(nil), plaintext...)
	if encrypted && len(out) > 0 {
		c.ctrXOR(nonce, 0, out)
	}
	if encrypted && micLen > 0 {
		c.ctrXOR(nonce, 0xffff, tag)
	}
	return out, tag
}

// Decrypt reverses Encrypt: it CTR-decrypts ciphertext (if encrypted) and
// recomputes the MIC over header||plaintext to verify integrity,
// reporting ok=false on any mismatch (spec §7's SECURITY_FAIL case).
func (c *ccmStar) Decrypt(nonce [13]byte, header, ciphertext, mic []byte, encrypted bool) (plaintext []byte, ok bool) {
	micLen := len(mic)
	workingMIC := append([]byte(nil), mic...)
	if encrypted && micLen > 0 {
		c.ctrXOR(nonce, 0xffff, workingMIC)
	}

	plain := append([]byte(nil), ciphertext...)
	if encrypted && len(plain) > 0 {
		c.ctrXOR(nonce, 0, plain)
	}

	expect := c.cbcMAC(nonce, header, plain, micLen)
	return plain, subtle.ConstantTimeCompare(expect, workingMIC) == 1
}

// ctrXOR XORs buf in place with the AES-CTR keystream generated from
// nonce at the given 16-bit counter-block offset (0 for the payload
// stream, 0xffff for the single MIC-encryption block, per 802.15.4's
// CCM* counter assignment).
func (c *ccmStar) ctrXOR(nonce [13]byte, counter uint16, buf []byte) {
	var ctrBlock [16]byte
	ctrBlock[0] = 1 // flags: L=2 (implied by the fixed 13-byte nonce)
	copy(ctrBlock[1:14], nonce[:])
	var keystream [16]byte
	for off := 0; off < len(buf); off += 16 {
		binary.BigEndian.PutUint16(ctrBlock[14:16], counter)
		counter++
		c.aead.Encrypt(keystream[:], ctrBlock[:])
		n := 16
		if off+n > len(buf) {
			n = len(buf) - off
		}
		for i := 0; i < n; i++ {
			buf[off+i] ^= keystream[i]
		}
	}
}

// cbcMAC computes the CBC-MAC over the CCM* B0 block, header (length-
// prefixed per CCM's associated-data encoding), and payload, truncating
// the final block to micLen bytes. micLen==0 returns an empty MIC
// (unauthenticated levels, used only internally; the spec never sets
// security level 0 on a frame actually carrying a SecurityAux header).
func (c *ccmStar) cbcMAC(nonce [13]byte, header, payload []byte, micLen int) []byte {
	if micLen == 0 {
		return nil
	}
	var b0 [16]byte
	flags := byte(0x01) // q-1 = 1 (2-byte length field)
	if len(header) > 0 {
		flags |= 0x40
	}
	flags |= byte((micLen-2)/2) << 3
	b0[0] = flags
	copy(b0[1:14], nonce[:])
	binary.BigEndian.PutUint16(b0[14:16], uint16(len(payload)))

	var mac [16]byte
	c.aead.Encrypt(mac[:], b0[:])

	if len(header) > 0 {
		var aBlocks []byte
		hdrLen := make([]byte, 2)
		binary.BigEndian.PutUint16(hdrLen, uint16(len(header)))
		aBlocks = append(aBlocks, hdrLen...)
		aBlocks = append(aBlocks, header...)
		for len(aBlocks)%16 != 0 {
			aBlocks = append(aBlocks, 0)
		}
		mac = xorEncryptBlocks(c.aead, mac, aBlocks)
	}

	pBlocks := append([]byte(nil), payload...)
	for len(pBlocks)%16 != 0 {
		pBlocks = append(pBlocks, 0)
	}
	mac = xorEncryptBlocks(c.aead, mac, pBlocks)

	return mac[:micLen]
}

func xorEncryptBlocks(blk cipherBlock, mac [16]byte, data []byte) [16]byte {
	for off := 0; off < len(data); off += 16 {
		var in [16]byte
		for i := 0; i < 16; i++ {
			in[i] = mac[i] ^ data[off+i]
		}
		blk.Encrypt(mac[:], in[:])
	}
	return mac
}
