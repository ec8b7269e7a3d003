package codec

// DefaultPSK is the well-known AES key of the default public channel.
var DefaultPSK = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// xorHash folds a byte slice into one byte.
func xorHash(data []byte) uint8 {
	var h uint8
	for _, b := range data {
		h ^= b
	}
	return h
}

// ChannelHash computes the one-byte channel identifier carried in the header.
// It is the XOR of every byte of the channel name with every byte of its key.
func ChannelHash(name string, psk []byte) uint8 {
	return xorHash([]byte(name)) ^ xorHash(psk)
}
