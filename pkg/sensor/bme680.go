package sensor

import (
	"errors"
	"fmt"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	bmeRegChipID     = 0xD0
	bmeRegSoftReset  = 0xE0
	bmeRegCtrlGas0   = 0x70
	bmeRegCtrlGas1   = 0x71
	bmeRegCtrlHum    = 0x72
	bmeRegCtrlMeas   = 0x74
	bmeRegConfig     = 0x75
	bmeRegResHeat0   = 0x5A
	bmeRegGasWait0   = 0x64
	bmeRegField0     = 0x1D
	bmeRegCoeff1     = 0x89
	bmeRegCoeff2     = 0xE1
	bmeRegResHeatVal = 0x00
	bmeRegResHeatRng = 0x02
	bmeRegRangeSwErr = 0x04

	bmeChipID       = 0x61
	bmeSoftResetCmd = 0xB6
	bmeFieldLen     = 15
	bmeCoeff1Len    = 25
	bmeCoeff2Len    = 16

	bmeNewData    = 0x80
	bmeGasValid   = 0x20
	bmeHeatStable = 0x10
	bmeRunGas     = 0x10
	bmeModeForced = 0x01

	// oversampling register codes
	bmeOS2X = 2
	bmeOS4X = 3
	bmeOS8X = 4
	// IIR filter coefficient 3
	bmeFilter3 = 2

	bmePollAttempts = 10
	bmePollInterval = 5 * time.Millisecond
)

var ErrDataNotReady = errors.New("bme680: measurement not ready")

// gas range correction factors from the BME680 datasheet
var (
	gasRangeK1 = [16]float64{0, 0, 0, 0, 0, -1, 0, -0.8, 0, 0, -0.2, -0.5, 0, -1, 0, 0}
	gasRangeK2 = [16]float64{0, 0, 0, 0, 0.1, 0.7, 0, -0.8, -0.1, 0, 0, 0, 0, 0, 0, 0}
)

type registerConn interface {
	Tx(w, r []byte) error
}

type bmeCalib struct {
	t1         uint16
	t2         int16
	t3         int8
	p1         uint16
	p2         int16
	p3         int8
	p4         int16
	p5         int16
	p6         int8
	p7         int8
	p8         int16
	p9         int16
	p10        uint8
	h1         uint16
	h2         uint16
	h3         int8
	h4         int8
	h5         int8
	h6         uint8
	h7         int8
	gh1        int8
	gh2        int16
	gh3        int8
	resHeatRng uint8
	resHeatVal int8
	rangeSwErr int8
}

// BME680 drives a Bosch BME680 in forced mode over I2C with the
// oversampling profile T x8, P x4, H x2, IIR filter 3 and one gas heater step.
type BME680 struct {
	conn   registerConn
	bus    i2c.BusCloser
	heater config.HeaterConfig
	calib  bmeCalib
	sleep  func(time.Duration)

	ambient       float64
	temperature   float64
	pressure      float64
	humidity      float64
	gasResistance float64
}

var _ Driver = (*BME680)(nil)

func NewBME680(cfg config.Config) (*BME680, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2C.Bus)
	if err != nil {
		return nil, fmt.Errorf("open i2c: %w", err)
	}
	b := newBME680(&i2c.Dev{Addr: uint16(cfg.I2C.Address), Bus: bus}, cfg.Heater)
	b.bus = bus
	if err := b.Init(); err != nil {
		_ = bus.Close()
		return nil, err
	}
	return b, nil
}

func newBME680(c registerConn, heater config.HeaterConfig) *BME680 {
	return &BME680{conn: c, heater: heater, sleep: time.Sleep, ambient: 25}
}

func (b *BME680) Close() error {
	if b.bus != nil {
		return b.bus.Close()
	}
	return nil
}

// Init resets the chip, loads its calibration and programs the measurement profile.
func (b *BME680) Init() error {
	id, err := b.readReg(bmeRegChipID)
	if err != nil {
		return fmt.Errorf("bme680 chip id: %w", err)
	}
	if id != bmeChipID {
		return fmt.Errorf("bme680: unexpected chip id 0x%02X", id)
	}
	if err := b.writeReg(bmeRegSoftReset, bmeSoftResetCmd); err != nil {
		return fmt.Errorf("bme680 reset: %w", err)
	}
	b.sleep(10 * time.Millisecond)
	if err := b.readCalibration(); err != nil {
		return err
	}

	writes := [][2]byte{
		{bmeRegCtrlHum, bmeOS2X},
		{bmeRegCtrlMeas, bmeOS8X<<5 | bmeOS4X<<2},
		{bmeRegConfig, bmeFilter3 << 2},
		{bmeRegResHeat0, b.heaterResistance(float64(b.heater.TemperatureC))},
		{bmeRegGasWait0, heaterDuration(b.heater.DurationMs)},
		{bmeRegCtrlGas0, 0x00},
		{bmeRegCtrlGas1, bmeRunGas},
	}
	for _, w := range writes {
		if err := b.writeReg(w[0], w[1]); err != nil {
			return fmt.Errorf("bme680 configure 0x%02X: %w", w[0], err)
		}
	}
	return nil
}

// PerformReading triggers one forced-mode measurement and latches its compensated values.
func (b *BME680) PerformReading() error {
	if err := b.writeReg(bmeRegCtrlMeas, bmeOS8X<<5|bmeOS4X<<2|bmeModeForced); err != nil {
		return fmt.Errorf("bme680 trigger: %w", err)
	}
	b.sleep(b.measurementDuration())

	buf := make([]byte, bmeFieldLen)
	ready := false
	for i := 0; i < bmePollAttempts; i++ {
		if err := b.conn.Tx([]byte{bmeRegField0}, buf); err != nil {
			return fmt.Errorf("bme680 read: %w", err)
		}
		if buf[0]&bmeNewData != 0 {
			ready = true
			break
		}
		b.sleep(bmePollInterval)
	}
	if !ready {
		return ErrDataNotReady
	}

	f := parseFields(buf)
	tFine := b.calib.compensateTemperature(f.adcTemp)
	b.temperature = tFine / 5120.0
	b.pressure = b.calib.compensatePressure(f.adcPres, tFine)
	b.humidity = b.calib.compensateHumidity(f.adcHum, tFine)
	if f.gasValid && f.heatStable {
		b.gasResistance = b.calib.compensateGas(f.adcGas, f.gasRange)
	} else {
		b.gasResistance = 0
	}
	b.ambient = b.temperature
	return nil
}

func (b *BME680) Temperature() float64   { return b.temperature }
func (b *BME680) Pressure() float64      { return b.pressure }
func (b *BME680) Humidity() float64      { return b.humidity }
func (b *BME680) GasResistance() float64 { return b.gasResistance }

type bmeFields struct {
	adcPres    uint32
	adcTemp    uint32
	adcHum     uint16
	adcGas     uint16
	gasRange   uint8
	gasValid   bool
	heatStable bool
}

func parseFields(buf []byte) bmeFields {
	return bmeFields{
		adcPres:    uint32(buf[2])<<12 | uint32(buf[3])<<4 | uint32(buf[4])>>4,
		adcTemp:    uint32(buf[5])<<12 | uint32(buf[6])<<4 | uint32(buf[7])>>4,
		adcHum:     uint16(buf[8])<<8 | uint16(buf[9]),
		adcGas:     uint16(buf[13])<<2 | uint16(buf[14])>>6,
		gasRange:   buf[14] & 0x0F,
		gasValid:   buf[14]&bmeGasValid != 0,
		heatStable: buf[14]&bmeHeatStable != 0,
	}
}

func (b *BME680) readCalibration() error {
	coeff := make([]byte, bmeCoeff1Len+bmeCoeff2Len)
	if err := b.conn.Tx([]byte{bmeRegCoeff1}, coeff[:bmeCoeff1Len]); err != nil {
		return fmt.Errorf("bme680 calibration: %w", err)
	}
	if err := b.conn.Tx([]byte{bmeRegCoeff2}, coeff[bmeCoeff1Len:]); err != nil {
		return fmt.Errorf("bme680 calibration: %w", err)
	}
	b.calib = parseCalibration(coeff)

	rng, err := b.readReg(bmeRegResHeatRng)
	if err != nil {
		return fmt.Errorf("bme680 heater range: %w", err)
	}
	val, err := b.readReg(bmeRegResHeatVal)
	if err != nil {
		return fmt.Errorf("bme680 heater value: %w", err)
	}
	swErr, err := b.readReg(bmeRegRangeSwErr)
	if err != nil {
		return fmt.Errorf("bme680 range error: %w", err)
	}
	b.calib.resHeatRng = (rng & 0x30) >> 4
	b.calib.resHeatVal = int8(val)
	b.calib.rangeSwErr = int8(swErr&0xF0) / 16
	return nil
}

func parseCalibration(c []byte) bmeCalib {
	u16 := func(msb, lsb int) uint16 { return uint16(c[msb])<<8 | uint16(c[lsb]) }
	return bmeCalib{
		t1:  u16(34, 33),
		t2:  int16(u16(2, 1)),
		t3:  int8(c[3]),
		p1:  u16(6, 5),
		p2:  int16(u16(8, 7)),
		p3:  int8(c[9]),
		p4:  int16(u16(12, 11)),
		p5:  int16(u16(14, 13)),
		p6:  int8(c[16]),
		p7:  int8(c[15]),
		p8:  int16(u16(20, 19)),
		p9:  int16(u16(22, 21)),
		p10: c[23],
		h1:  uint16(c[27])<<4 | uint16(c[26]&0x0F),
		h2:  uint16(c[25])<<4 | uint16(c[26]>>4),
		h3:  int8(c[28]),
		h4:  int8(c[29]),
		h5:  int8(c[30]),
		h6:  c[31],
		h7:  int8(c[32]),
		gh1: int8(c[37]),
		gh2: int16(u16(36, 35)),
		gh3: int8(c[38]),
	}
}

// compensateTemperature returns t_fine; the temperature in °C is t_fine / 5120.
func (c bmeCalib) compensateTemperature(adc uint32) float64 {
	a := float64(adc)
	var1 := (a/16384.0 - float64(c.t1)/1024.0) * float64(c.t2)
	d := a/131072.0 - float64(c.t1)/8192.0
	var2 := d * d * float64(c.t3) * 16.0
	return var1 + var2
}

// compensatePressure returns the pressure in Pa.
func (c bmeCalib) compensatePressure(adc uint32, tFine float64) float64 {
	var1 := tFine/2.0 - 64000.0
	var2 := var1 * var1 * (float64(c.p6) / 131072.0)
	var2 += var1 * float64(c.p5) * 2.0
	var2 = var2/4.0 + float64(c.p4)*65536.0
	var1 = (float64(c.p3)*var1*var1/16384.0 + float64(c.p2)*var1) / 524288.0
	var1 = (1.0 + var1/32768.0) * float64(c.p1)
	if int(var1) == 0 {
		return 0
	}
	p := 1048576.0 - float64(adc)
	p = (p - var2/4096.0) * 6250.0 / var1
	var1 = float64(c.p9) * p * p / 2147483648.0
	var2 = p * (float64(c.p8) / 32768.0)
	s := p / 256.0
	var3 := s * s * s * (float64(c.p10) / 131072.0)
	return p + (var1+var2+var3+float64(c.p7)*128.0)/16.0
}

// compensateHumidity returns the relative humidity in %, bounded to [0, 100].
func (c bmeCalib) compensateHumidity(adc uint16, tFine float64) float64 {
	temp := tFine / 5120.0
	var1 := float64(adc) - (float64(c.h1)*16.0 + float64(c.h3)/2.0*temp)
	var2 := var1 * (float64(c.h2) / 262144.0 * (1.0 + float64(c.h4)/16384.0*temp + float64(c.h5)/1048576.0*temp*temp))
	var3 := float64(c.h6) / 16384.0
	var4 := float64(c.h7) / 2097152.0
	h := var2 + (var3+var4*temp)*var2*var2
	switch {
	case h > 100:
		return 100
	case h < 0:
		return 0
	}
	return h
}

// compensateGas returns the gas resistance in Ohm.
func (c bmeCalib) compensateGas(adc uint16, gasRange uint8) float64 {
	r := gasRange & 0x0F
	var1 := 1340.0 + 5.0*float64(c.rangeSwErr)
	var2 := var1 * (1.0 + gasRangeK1[r]/100.0)
	var3 := 1.0 + gasRangeK2[r]/100.0
	return 1.0 / (var3 * 0.000000125 * float64(uint32(1)<<r) * ((float64(adc)-512.0)/var2 + 1.0))
}

// heaterResistance converts a heater target temperature into the res_heat register value.
func (b *BME680) heaterResistance(target float64) byte {
	if target > 400 {
		target = 400
	}
	c := b.calib
	var1 := float64(c.gh1)/16.0 + 49.0
	var2 := float64(c.gh2)/32768.0*0.0005 + 0.00235
	var3 := float64(c.gh3) / 1024.0
	var4 := var1 * (1.0 + var2*target)
	var5 := var4 + var3*b.ambient
	res := 3.4*(var5*(4.0/(4.0+float64(c.resHeatRng)))*(1.0/(1.0+float64(c.resHeatVal)*0.002))) - 25
	if res < 0 {
		return 0
	}
	if res > 255 {
		return 255
	}
	return byte(res)
}

// heaterDuration encodes a heater-on time into the gas_wait register format.
func heaterDuration(ms int) byte {
	if ms >= 0xfc0 {
		return 0xff
	}
	if ms < 0 {
		ms = 0
	}
	factor := 0
	for ms > 0x3F {
		ms /= 4
		factor++
	}
	return byte(ms + factor*64)
}

func (b *BME680) measurementDuration() time.Duration {
	// 8 + 4 + 2 conversion cycles
	const cycles = 14
	us := cycles*1963 + 477*4 + 477*5 + 500
	ms := (us+999)/1000 + 1
	return time.Duration(ms+b.heater.DurationMs) * time.Millisecond
}

func (b *BME680) readReg(reg byte) (byte, error) {
	r := make([]byte, 1)
	if err := b.conn.Tx([]byte{reg}, r); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (b *BME680) writeReg(reg, val byte) error {
	return b.conn.Tx([]byte{reg, val}, nil)
}
