package packfile

var signature = []byte{'P', 'A', 'C', 'K'}

// Version is a packfile version.
type Version uint32

const (
	// V2 is the packfile version supported by this package.
	V2 Version = 2
)

// Supported returns true if the version can be handled by the Scanner.
func (v Version) Supported() bool {
	return v == V2
}

const (
	firstLengthBits = uint8(4)   // the first byte into object header has 4 bits to store the length
	maskFirstLength = 15         // 0000 1111
	maskContinue    = 0x80       // 1000 0000
	maskLength      = uint8(127) // 0111 1111
	maskType        = uint8(112) // 0111 0000
)
