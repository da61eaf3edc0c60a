package sensor

import (
	"errors"
	"testing"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegs struct {
	regs    [256]byte
	writes  [][2]byte
	ready   bool
	failTx  error
	trigger int
}

func (f *fakeRegs) Tx(w, r []byte) error {
	if f.failTx != nil {
		return f.failTx
	}
	if len(w) == 2 && r == nil {
		f.regs[w[0]] = w[1]
		f.writes = append(f.writes, [2]byte{w[0], w[1]})
		if w[0] == bmeRegCtrlMeas && w[1]&0x03 == bmeModeForced {
			f.trigger++
			if f.ready {
				f.regs[bmeRegField0] |= bmeNewData
			}
		}
		return nil
	}
	copy(r, f.regs[int(w[0]):])
	return nil
}

func newTestBME(t *testing.T, regs *fakeRegs) *BME680 {
	t.Helper()
	regs.regs[bmeRegChipID] = bmeChipID
	b := newBME680(regs, config.HeaterConfig{TemperatureC: 320, DurationMs: 150})
	b.sleep = func(time.Duration) {}
	return b
}

func TestBME680InitRejectsUnknownChip(t *testing.T) {
	regs := &fakeRegs{}
	b := newTestBME(t, regs)
	regs.regs[bmeRegChipID] = 0x60

	err := b.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chip id")
}

func TestBME680InitProgramsProfile(t *testing.T) {
	regs := &fakeRegs{}
	b := newTestBME(t, regs)

	require.NoError(t, b.Init())

	assert.Equal(t, [2]byte{bmeRegSoftReset, bmeSoftResetCmd}, regs.writes[0])
	assert.Equal(t, byte(0x02), regs.regs[bmeRegCtrlHum])
	assert.Equal(t, byte(0x8C), regs.regs[bmeRegCtrlMeas])
	assert.Equal(t, byte(0x08), regs.regs[bmeRegConfig])
	assert.Equal(t, byte(0x65), regs.regs[bmeRegGasWait0])
	assert.Equal(t, byte(bmeRunGas), regs.regs[bmeRegCtrlGas1])
}

func TestBME680InitPropagatesBusError(t *testing.T) {
	regs := &fakeRegs{failTx: errors.New("nack")}
	b := newTestBME(t, regs)
	require.Error(t, b.Init())
}

func TestBME680PerformReadingNotReady(t *testing.T) {
	regs := &fakeRegs{}
	b := newTestBME(t, regs)
	require.NoError(t, b.Init())

	err := b.PerformReading()
	assert.ErrorIs(t, err, ErrDataNotReady)
	assert.Equal(t, 1, regs.trigger)
}

func TestBME680PerformReadingGasInvalid(t *testing.T) {
	regs := &fakeRegs{ready: true}
	b := newTestBME(t, regs)
	require.NoError(t, b.Init())
	// press, temp and hum raw values; gas flags cleared
	copy(regs.regs[bmeRegField0+2:], []byte{0x65, 0x5A, 0xC0, 0x7E, 0xF0, 0x00, 0x66, 0x00})
	regs.regs[bmeRegField0+14] = 0x00

	require.NoError(t, b.PerformReading())
	assert.Equal(t, 0.0, b.GasResistance())
	assert.GreaterOrEqual(t, b.Humidity(), 0.0)
	assert.LessOrEqual(t, b.Humidity(), 100.0)
}

func TestParseFields(t *testing.T) {
	buf := make([]byte, bmeFieldLen)
	buf[0] = bmeNewData
	copy(buf[2:], []byte{0x65, 0x5A, 0xC0, 0x7E, 0xF0, 0x00, 0x66, 0x10})
	buf[13] = 0x80
	buf[14] = 0xF5

	f := parseFields(buf)
	assert.Equal(t, uint32(415148), f.adcPres)
	assert.Equal(t, uint32(0x7EF00), f.adcTemp)
	assert.Equal(t, uint16(0x6610), f.adcHum)
	assert.Equal(t, uint16(515), f.adcGas)
	assert.Equal(t, uint8(5), f.gasRange)
	assert.True(t, f.gasValid)
	assert.True(t, f.heatStable)
}

func TestHeaterDuration(t *testing.T) {
	tests := []struct {
		ms   int
		want byte
	}{
		{0, 0},
		{63, 63},
		{64, 0x50},
		{150, 0x65},
		{5000, 0xff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, heaterDuration(tt.ms), "duration %dms", tt.ms)
	}
}

func TestCompensateGas(t *testing.T) {
	c := bmeCalib{}
	assert.InDelta(t, 8e6, c.compensateGas(512, 0), 1)
	assert.InDelta(t, 4e6, c.compensateGas(512, 1), 1)
	// higher ADC values mean lower resistance within a range
	assert.Less(t, c.compensateGas(800, 4), c.compensateGas(600, 4))
}

func TestCompensateTemperatureMonotonic(t *testing.T) {
	c := bmeCalib{t1: 26000, t2: 26000, t3: 3}
	prev := c.compensateTemperature(400000) / 5120.0
	for adc := uint32(410000); adc <= 600000; adc += 10000 {
		cur := c.compensateTemperature(adc) / 5120.0
		assert.Greater(t, cur, prev, "adc %d", adc)
		prev = cur
	}
}

func TestCompensateHumidityBounded(t *testing.T) {
	c := bmeCalib{h1: 800, h2: 1000, h3: 0, h4: 45, h5: 20, h6: 120, h7: -100}
	for _, adc := range []uint16{0, 1000, 20000, 65535} {
		h := c.compensateHumidity(adc, 25*5120.0)
		assert.GreaterOrEqual(t, h, 0.0)
		assert.LessOrEqual(t, h, 100.0)
	}
}
