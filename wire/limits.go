package wire

// DefaultReadBuffer is the size of each read from the worker's output pipe (4 KB)
const DefaultReadBuffer int = 4096

// DefaultMaxLine is the default maximum length of one encoded message (4 MB)
const DefaultMaxLine int = 4 << 20

// MaxLineHardLimit caps MaxLine regardless of configuration (64 MB)
const MaxLineHardLimit int = 64 << 20

// Limits bounds the framing layer
type Limits struct {
	MaxLine    int `mapstructure:"max_line_bytes"`
	ReadBuffer int `mapstructure:"read_buffer_bytes"`
}

// DefaultLimits returns the default framing limits
func DefaultLimits() Limits {
	return Limits{
		MaxLine:    DefaultMaxLine,
		ReadBuffer: DefaultReadBuffer,
	}
}

// Normalize fills zero fields with defaults and clamps MaxLine to the hard limit
func (l Limits) Normalize() Limits {
	if l.MaxLine <= 0 {
		l.MaxLine = DefaultMaxLine
	}
	if l.MaxLine > MaxLineHardLimit {
		l.MaxLine = MaxLineHardLimit
	}
	if l.ReadBuffer <= 0 {
		l.ReadBuffer = DefaultReadBuffer
	}
	return l
}
