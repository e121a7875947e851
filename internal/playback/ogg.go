package playback

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const oggHeaderSize = 27

// oggPackets splits the first logical bitstream of an Ogg container into
// packets. Pages of other streams are skipped. CRCs are not verified.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
		first   = true
	)
	for pos := 0; pos < len(data); {
		if len(data)-pos < oggHeaderSize || string(data[pos:pos+4]) != "OggS" {
			return nil, fmt.Errorf("playback: ogg: bad page header at offset %d", pos)
		}
		hdr := data[pos : pos+oggHeaderSize]
		pageSerial := binary.LittleEndian.Uint32(hdr[14:18])
		nsegs := int(hdr[26])
		if len(data)-pos < oggHeaderSize+nsegs {
			return nil, errors.New("playback: ogg: truncated segment table")
		}
		lacing := data[pos+oggHeaderSize : pos+oggHeaderSize+nsegs]
		body := pos + oggHeaderSize + nsegs

		total := 0
		for _, l := range lacing {
			total += int(l)
		}
		if len(data)-body < total {
			return nil, errors.New("playback: ogg: truncated page")
		}

		if first {
			serial = pageSerial
			first = false
		}
		if pageSerial == serial {
			off := body
			for _, l := range lacing {
				partial = append(partial, data[off:off+int(l)]...)
				off += int(l)
				if l < 255 {
					packets = append(packets, partial)
					partial = nil
				}
			}
		}
		pos = body + total
	}
	if len(packets) == 0 {
		return nil, errors.New("playback: ogg: no packets")
	}
	return packets, nil
}
