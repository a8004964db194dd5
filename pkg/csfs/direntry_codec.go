package csfs

import "github.com/pkg/errors"

// Entry block wire format:
//
//	0x00  uint16          entry count N
//	0x02  uint16[N]       cumulative name-end offsets, relative to the
//	                      start of the name bytes region
//	      ...             name bytes, packed back to back in entry order
//	      uint64[N]       child block indices, packed from the END of the
//	                      block backwards, one per entry in entry order
//
// Names and indices grow toward each other from opposite ends of the
// block so that the free space in between can be resized without moving
// either side.

func decodeEntryBlock(buf []byte) ([]dirEntry, error) {
	if len(buf) < 2 {
		return nil, errors.Wrap(ErrBadData, "entry block smaller than header")
	}
	count := int(byteOrder.Uint16(buf[0:2]))
	if count == 0 {
		return nil, nil
	}

	namesOff := 2 + 2*count
	indicesOff := len(buf) - 8*count
	if namesOff > len(buf) || indicesOff < namesOff {
		return nil, errors.Wrap(ErrBadData, "entry block count overflows block bounds")
	}

	entries := make([]dirEntry, count)
	prevEnd := 0
	for i := 0; i < count; i++ {
		end := int(byteOrder.Uint16(buf[2+2*i:]))
		if end < prevEnd || namesOff+end > indicesOff {
			return nil, errors.Wrap(ErrBadData, "entry name offset out of bounds")
		}
		name := string(buf[namesOff+prevEnd : namesOff+end])
		child := byteOrder.Uint64(buf[len(buf)-8*(i+1):])
		entries[i] = dirEntry{name: name, child: child}
		prevEnd = end
	}
	return entries, nil
}

// entryBlockUsedBytes returns the number of bytes entries would occupy
// when encoded: a 2-byte count, 2 bytes per name-end offset, the name
// bytes themselves, and 8 bytes per child index.
func entryBlockUsedBytes(entries []dirEntry) int {
	used := 2 + 10*len(entries)
	for _, e := range entries {
		used += len(e.name)
	}
	return used
}

func encodeEntryBlock(entries []dirEntry, length int) ([]byte, error) {
	if entryBlockUsedBytes(entries) > length {
		return nil, errors.Wrap(ErrOutOfSpace, "entries do not fit in entry block")
	}

	buf := make([]byte, length)
	byteOrder.PutUint16(buf[0:2], uint16(len(entries)))

	namesOff := 2 + 2*len(entries)
	pos := namesOff
	cum := 0
	for i, e := range entries {
		cum += len(e.name)
		byteOrder.PutUint16(buf[2+2*i:], uint16(cum))
		copy(buf[pos:], e.name)
		pos += len(e.name)
		byteOrder.PutUint64(buf[length-8*(i+1):], e.child)
	}
	return buf, nil
}
