package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// watchSideChannel reads the companion's address report. The report is a
// single JSON object; once it has been decoded the rest of the stream is
// drained until the companion closes it.
func watchSideChannel(r io.ReadCloser, c *child) {
	defer r.Close()

	addr, ok, err := decodeReport(r)
	switch {
	case err != nil:
		c.sideErr <- err
	case ok:
		c.ready <- addr
	}

	io.Copy(io.Discard, r)
}

// decodeReport decodes one address report. A stream that ends before any
// data arrives is an ordinary teardown and yields ok == false, err == nil.
func decodeReport(r io.Reader) (Address, bool, error) {
	var addr Address
	dec := json.NewDecoder(r)
	if err := dec.Decode(&addr); err != nil {
		if errors.Is(err, io.EOF) {
			return Address{}, false, nil
		}
		return Address{}, false, fmt.Errorf("%w: %v", ErrSideChannel, err)
	}
	if err := addr.validate(); err != nil {
		return Address{}, false, fmt.Errorf("%w: %v", ErrSideChannel, err)
	}
	return addr, true, nil
}
