package gpib

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultProtocol(t *testing.T) Protocol {
	t.Helper()

	p, err := NewProtocol([]byte(DefaultTerminator))
	require.NoError(t, err)

	return p
}

func TestNewProtocol_EmptyTerminator(t *testing.T) {
	_, err := NewProtocol(nil)
	require.Error(t, err)
}

func TestProtocol_Frame(t *testing.T) {
	p := defaultProtocol(t)

	tests := []struct {
		cmd  string
		want string
	}{
		{cmd: "*IDN?", want: "*IDN?\n"},
		{cmd: "*IDN?\n", want: "*IDN?\n"},
		{cmd: "", want: "\n"},
		{cmd: "\n", want: "\n"},
		{cmd: "VOLT 1.5;CURR 0.1", want: "VOLT 1.5;CURR 0.1\n"},
	}

	for _, tt := range tests {
		got, err := p.Frame(tt.cmd)
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(got), "frame %q", tt.cmd)
	}
}

func TestProtocol_Frame_CustomTerminator(t *testing.T) {
	p, err := NewProtocol([]byte("\r\n"))
	require.NoError(t, err)

	got, err := p.Frame("MEAS?")
	require.NoError(t, err)
	assert.Equal(t, "MEAS?\r\n", string(got))

	got, err = p.Frame("MEAS?\r\n")
	require.NoError(t, err)
	assert.Equal(t, "MEAS?\r\n", string(got))

	// a lone LF is not the configured terminator
	got, err = p.Frame("MEAS?\n")
	require.NoError(t, err)
	assert.Equal(t, "MEAS?\n\r\n", string(got))
}

func TestProtocol_Frame_NonASCII(t *testing.T) {
	p := defaultProtocol(t)

	_, err := p.Frame("VOLT 5µ")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestIsQuery(t *testing.T) {
	assert.True(t, IsQuery("*IDN?"))
	assert.True(t, IsQuery("MEAS:VOLT?\n"))
	assert.True(t, IsQuery("SYST:ERR? \t"))
	assert.False(t, IsQuery("*RST"))
	assert.False(t, IsQuery("VOLT? 5"))
	assert.False(t, IsQuery(""))
}

func TestProtocol_Parse(t *testing.T) {
	p := defaultProtocol(t)

	resp, err := p.Parse(ReadResult{Data: []byte("KEITHLEY,2000\n"), End: EndTerminator}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "KEITHLEY,2000", resp.Text)
	assert.Equal(t, "KEITHLEY,2000\n", string(resp.Raw))
	assert.Equal(t, 5*time.Millisecond, resp.Elapsed)
	assert.Equal(t, EndTerminator, resp.End)
	assert.False(t, resp.Partial)
	assert.Equal(t, "KEITHLEY,2000", resp.String())
}

func TestProtocol_Parse_StripsOneTerminator(t *testing.T) {
	p := defaultProtocol(t)

	resp, err := p.Parse(ReadResult{Data: []byte("A\n\n"), End: EndTerminator}, 0)
	require.NoError(t, err)
	assert.Equal(t, "A\n", resp.Text)
}

func TestProtocol_Parse_EOIWithoutTerminator(t *testing.T) {
	p := defaultProtocol(t)

	resp, err := p.Parse(ReadResult{Data: []byte("+1.0E-3"), End: EndEOI}, 0)
	require.NoError(t, err)
	assert.Equal(t, "+1.0E-3", resp.Text)
	assert.False(t, resp.Partial)
}

func TestProtocol_Parse_Truncated(t *testing.T) {
	p := defaultProtocol(t)

	resp, err := p.Parse(ReadResult{Data: []byte("+1.23"), End: EndDeadline}, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, resp)
	assert.True(t, resp.Partial)
	assert.Equal(t, "+1.23", resp.Text)
}

func TestProtocol_Parse_CopiesData(t *testing.T) {
	p := defaultProtocol(t)

	buf := []byte("OK\n")
	resp, err := p.Parse(ReadResult{Data: buf, End: EndTerminator}, 0)
	require.NoError(t, err)

	buf[0] = 'X'
	assert.Equal(t, "OK\n", string(resp.Raw))
	assert.True(t, p.HasTerminator(resp.Raw))
}

func TestResponse_NilString(t *testing.T) {
	var resp *Response
	assert.Empty(t, resp.String())
}
