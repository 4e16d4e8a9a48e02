package registrar

import (
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/measurement"
)

// MetaWear GATT layout: every sensor streams over one notify characteristic,
// tagged with a [module, register] header; commands go to the command
// characteristic.
const (
	MetaWearService            = "326a9000-85cb-9195-d9dd-464cfbbae75a"
	MetaWearCommand            = "326a9001-85cb-9195-d9dd-464cfbbae75a"
	MetaWearNotify             = "326a9006-85cb-9195-d9dd-464cfbbae75a"
	BatteryService             = "180f"
	BatteryLevelCharacteristic = "2a19"
)

const (
	moduleAccelerometer = 0x03
	moduleSettings      = 0x11
	moduleBarometer     = 0x12
	moduleGyroscope     = 0x13
	moduleAmbientLight  = 0x14
	moduleMagnetometer  = 0x15
	moduleHumidity      = 0x16
	moduleColor         = 0x17
	moduleProximity     = 0x18

	registerEnable = 0x01
	registerData   = 0x04

	registerBarometerAltitude = 0x05
	registerSettingsBattery   = 0x0c
)

// Channel display names, in board declaration order.
const (
	Accelerometer   = "Accelerometer"
	AmbientLight    = "Ambient Light"
	Barometer       = "Barometer"
	ColorSensor     = "Color Sensor"
	Gyroscope       = "Gyroscope"
	HumiditySensor  = "Humidity Sensor"
	Magnetometer    = "Magnetometer"
	ProximitySensor = "Proximity Sensor"
	Battery         = "Battery"
)

func metaWearRoute(module, register byte) device.Route {
	return device.Route{
		Service:        MetaWearService,
		Characteristic: MetaWearNotify,
		Prefix:         []byte{module, register},
		Control:        MetaWearCommand,
		StartCommand:   []byte{module, registerEnable, 0x01},
	}
}

func single(name string, ch measurement.Channel, module byte, decode measurement.Decoder) ChannelSpec {
	return ChannelSpec{
		Name: name,
		Routes: []RouteSpec{{
			Channel: ch,
			Route:   metaWearRoute(module, registerData),
			Decode:  decode,
		}},
	}
}

// DefaultProfile returns the nine channels of a MetaWear board. Battery
// notifications carry the charge percentage in their first byte and are
// handed to onBattery instead of the buffer.
func DefaultProfile(onBattery func(level int)) []ChannelSpec {
	return []ChannelSpec{
		single(Accelerometer, measurement.Acceleration, moduleAccelerometer, measurement.DecodeVector3),
		single(AmbientLight, measurement.Illuminance, moduleAmbientLight, measurement.DecodeFloat32),
		{
			Name: Barometer,
			Routes: []RouteSpec{
				{
					Channel: measurement.Altitude,
					Route:   metaWearRoute(moduleBarometer, registerBarometerAltitude),
					Decode:  measurement.DecodeFloat32,
				},
				{
					Channel: measurement.Pressure,
					Route:   metaWearRoute(moduleBarometer, registerData),
					Decode:  measurement.DecodeFloat32,
				},
			},
		},
		single(ColorSensor, measurement.ColorADCChannel, moduleColor, measurement.DecodeColorADC),
		single(Gyroscope, measurement.AngularVelocity, moduleGyroscope, measurement.DecodeVector3),
		single(HumiditySensor, measurement.Humidity, moduleHumidity, measurement.DecodeFloat32),
		single(Magnetometer, measurement.MagneticField, moduleMagnetometer, measurement.DecodeVector3),
		single(ProximitySensor, measurement.ProximityADC, moduleProximity, measurement.DecodeUint16),
		{
			Name: Battery,
			Routes: []RouteSpec{{
				Route: device.Route{
					Service:        MetaWearService,
					Characteristic: MetaWearNotify,
					Prefix:         []byte{moduleSettings, registerSettingsBattery},
				},
				OnData: func(payload []byte) {
					if len(payload) > 0 && onBattery != nil {
						onBattery(int(payload[0]))
					}
				},
			}},
		},
	}
}
