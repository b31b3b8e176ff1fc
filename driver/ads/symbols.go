package ads

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// transmissionModeCyclic asks the device to push the value every cycle time.
const transmissionModeCyclic = 3

// filetimeEpochDelta converts Windows FILETIME (100ns ticks since 1601) to
// unix nanoseconds.
const filetimeEpochDelta = 116444736000000000

// Subscribe installs a device notification for a symbol with the requested
// cycle time. Samples arrive on the handler installed with
// SetSampleHandler, decoded per the declared type, carrying the timestamp
// supplied by the device.
func (c *Connection) Subscribe(ctx context.Context, path string, t DataType, cycleTime time.Duration) (uint32, error) {
	size, err := SizeOf(t)
	if err != nil {
		return 0, err
	}

	symHandle, err := c.symbolHandle(ctx, path)
	if err != nil {
		return 0, err
	}

	cycle := uint32(cycleTime.Nanoseconds() / 100) // 100ns units

	req := make([]byte, 40)
	binary.LittleEndian.PutUint32(req[0:], GroupSymbolValueByHandle)
	binary.LittleEndian.PutUint32(req[4:], symHandle)
	binary.LittleEndian.PutUint32(req[8:], uint32(size))
	binary.LittleEndian.PutUint32(req[12:], transmissionModeCyclic)
	binary.LittleEndian.PutUint32(req[16:], cycle) // max delay
	binary.LittleEndian.PutUint32(req[20:], cycle)
	// bytes 24..39 reserved

	resp, err := c.request(ctx, cmdAddDeviceNotification, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 8 {
		return 0, fmt.Errorf("add notification: short response")
	}
	if code := binary.LittleEndian.Uint32(resp); code != errNoError {
		return 0, &AdsError{Op: "add notification", Code: code}
	}
	notifHandle := binary.LittleEndian.Uint32(resp[4:])

	c.notifMu.Lock()
	c.notifTypes[notifHandle] = t
	c.notifMu.Unlock()

	logrus.Debugf("ADS: %s subscribed %s (handle %d, cycle %s)", c.cfg.Name, path, notifHandle, cycleTime)
	return notifHandle, nil
}

// Unsubscribe removes a device notification.
func (c *Connection) Unsubscribe(ctx context.Context, notifHandle uint32) error {
	c.notifMu.Lock()
	delete(c.notifTypes, notifHandle)
	c.notifMu.Unlock()

	if !c.connected.Load() {
		return nil
	}

	req := make([]byte, 4)
	binary.LittleEndian.PutUint32(req, notifHandle)

	resp, err := c.request(ctx, cmdDelDeviceNotification, req)
	if err != nil {
		return err
	}
	if len(resp) < 4 {
		return fmt.Errorf("del notification: short response")
	}
	if code := binary.LittleEndian.Uint32(resp); code != errNoError {
		return &AdsError{Op: "del notification", Code: code}
	}
	return nil
}

// dispatchNotification parses a device notification frame: stamp count,
// then per stamp a FILETIME timestamp and its samples (handle, size, data).
func (c *Connection) dispatchNotification(payload []byte) {
	if c.onSample == nil || len(payload) < 8 {
		return
	}

	// length u32 (ignored), stamps u32
	stamps := binary.LittleEndian.Uint32(payload[4:])
	offset := 8

	for s := uint32(0); s < stamps; s++ {
		if offset+12 > len(payload) {
			return
		}
		filetime := binary.LittleEndian.Uint64(payload[offset:])
		samples := binary.LittleEndian.Uint32(payload[offset+8:])
		offset += 12

		ts := filetimeToTime(filetime)

		for i := uint32(0); i < samples; i++ {
			if offset+8 > len(payload) {
				return
			}
			handle := binary.LittleEndian.Uint32(payload[offset:])
			size := binary.LittleEndian.Uint32(payload[offset+4:])
			offset += 8
			if offset+int(size) > len(payload) {
				return
			}
			raw := payload[offset : offset+int(size)]
			offset += int(size)

			c.notifMu.Lock()
			t, known := c.notifTypes[handle]
			c.notifMu.Unlock()
			if !known {
				continue // notification raced its unsubscribe
			}

			sample := NotificationSample{Handle: handle, Raw: raw, Timestamp: ts}
			value, err := Decode(raw, t)
			if err != nil {
				sample.Err = err
			} else {
				sample.Value = value
			}
			c.onSample(sample)
		}
	}
}

func filetimeToTime(ft uint64) time.Time {
	if ft < filetimeEpochDelta {
		return time.Now()
	}
	return time.Unix(0, int64(ft-filetimeEpochDelta)*100)
}

// OnlineChangeCount reads the PLC's OnlineChange counter: the little-endian
// u32 in bytes 0..3 of the info block.
func (c *Connection) OnlineChangeCount(ctx context.Context) (uint32, error) {
	info, err := c.ReadRaw(ctx, GroupUploadInfo, 0, uploadInfoLength)
	if err != nil {
		return 0, err
	}
	if len(info) < 12 {
		return 0, fmt.Errorf("info block too short: %d bytes", len(info))
	}
	return binary.LittleEndian.Uint32(info), nil
}

// Symbols uploads the full symbol table in one call. The info block carries
// the entry count (bytes 4..7) and the upload size (bytes 8..11); the
// per-entry data lives behind the upload index group.
func (c *Connection) Symbols(ctx context.Context) ([]Symbol, error) {
	info, err := c.ReadRaw(ctx, GroupUploadInfo, 0, uploadInfoLength)
	if err != nil {
		return nil, fmt.Errorf("read upload info: %w", err)
	}
	if len(info) < 12 {
		return nil, fmt.Errorf("info block too short: %d bytes", len(info))
	}
	count := binary.LittleEndian.Uint32(info[4:])
	size := binary.LittleEndian.Uint32(info[8:])
	if count == 0 || size == 0 {
		return nil, nil
	}

	raw, err := c.ReadRaw(ctx, GroupSymbolUpload, 0, size)
	if err != nil {
		return nil, fmt.Errorf("read symbol upload: %w", err)
	}

	symbols, err := parseSymbolUpload(raw, count)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("ADS: %s uploaded %d symbols", c.cfg.Name, len(symbols))
	return symbols, nil
}

// parseSymbolUpload decodes the packed symbol entries:
//
//	u32 entryLength   (total, including this field)
//	u32 indexGroup
//	u32 indexOffset
//	u32 size
//	u32 dataTypeId
//	u32 flags
//	u16 nameLength    (without NUL)
//	u16 typeLength
//	u16 commentLength
//	name\0 type\0 comment\0
func parseSymbolUpload(raw []byte, count uint32) ([]Symbol, error) {
	symbols := make([]Symbol, 0, count)
	offset := 0

	for i := uint32(0); i < count; i++ {
		if offset+30 > len(raw) {
			return nil, fmt.Errorf("symbol upload truncated at entry %d", i)
		}
		entry := raw[offset:]
		entryLen := int(binary.LittleEndian.Uint32(entry))
		if entryLen < 30 || offset+entryLen > len(raw) {
			return nil, fmt.Errorf("symbol upload: bad entry length %d at entry %d", entryLen, i)
		}

		sym := Symbol{
			IndexGroup:  binary.LittleEndian.Uint32(entry[4:]),
			IndexOffset: binary.LittleEndian.Uint32(entry[8:]),
			Size:        binary.LittleEndian.Uint32(entry[12:]),
			Flags:       binary.LittleEndian.Uint32(entry[20:]),
		}
		nameLen := int(binary.LittleEndian.Uint16(entry[24:]))
		typeLen := int(binary.LittleEndian.Uint16(entry[26:]))
		commentLen := int(binary.LittleEndian.Uint16(entry[28:]))

		pos := 30
		if pos+nameLen+1+typeLen+1+commentLen+1 > entryLen {
			return nil, fmt.Errorf("symbol upload: strings overflow entry %d", i)
		}
		sym.Path = string(entry[pos : pos+nameLen])
		pos += nameLen + 1
		sym.TypeName = string(entry[pos : pos+typeLen])
		pos += typeLen + 1
		sym.Comment = string(entry[pos : pos+commentLen])

		symbols = append(symbols, sym)
		offset += entryLen
	}
	return symbols, nil
}
