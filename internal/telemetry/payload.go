package telemetry

import "math"

// Payload is the JSON shape shared by the dashboard, the buffer and the
// uplink. Sensor objects are nil when the group is not fresh.
type Payload struct {
	ID           string             `json:"id"`
	Timestamp    int64              `json:"timestamp"` // uptime seconds
	Device       string             `json:"device,omitempty"`
	ZE40         *ZE40Payload       `json:"ze40"`
	AirQuality   *AirQualityPayload `json:"air_quality"`
	MR007        *MR007Payload      `json:"mr007"`
	ME4SO2       *ME4SO2Payload     `json:"me4_so2"`
	IPAddress    string             `json:"ip_address"`
	NetworkReady bool               `json:"network_ready"`
	NetworkMode  string             `json:"network_mode"`
}

type ZE40Payload struct {
	TVOCPPB         float64 `json:"tvoc_ppb"`
	TVOCPPM         float64 `json:"tvoc_ppm"`
	DACVoltage      float64 `json:"dac_voltage"`
	DACPPM          float64 `json:"dac_ppm"`
	UARTDataValid   bool    `json:"uart_data_valid"`
	AnalogDataValid bool    `json:"analog_data_valid"`
}

type AirQualityPayload struct {
	PM1         float64 `json:"pm1"`
	PM25        float64 `json:"pm25"`
	PM10        float64 `json:"pm10"`
	CO2         float64 `json:"co2"`
	VOC         float64 `json:"voc"`
	CH2O        float64 `json:"ch2o"`
	CO          float64 `json:"co"`
	O3          float64 `json:"o3"`
	NO2         float64 `json:"no2"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

type MR007Payload struct {
	Voltage          float64 `json:"voltage"`
	RawValue         int     `json:"rawValue"`
	LELConcentration float64 `json:"lel_concentration"`
}

type ME4SO2Payload struct {
	Voltage          float64 `json:"voltage"`
	RawValue         int     `json:"rawValue"`
	CurrentUA        float64 `json:"current_ua"`
	SO2Concentration float64 `json:"so2_concentration"`
}

// NewPayload renders a freshness-evaluated record (see Snapshot).
func NewPayload(r Record, id, device string, uptime int64) Payload {
	p := Payload{
		ID:           id,
		Timestamp:    uptime,
		Device:       device,
		IPAddress:    r.Network.IPAddress,
		NetworkReady: r.Network.LinkReady,
		NetworkMode:  r.Network.Mode,
	}

	if r.ZE40.Valid || r.ZE40Analog.Valid {
		z := &ZE40Payload{
			UARTDataValid:   r.ZE40.Valid,
			AnalogDataValid: r.ZE40Analog.Valid,
		}
		if r.ZE40.Valid {
			z.TVOCPPB = r.ZE40.TVOCPPB
			z.TVOCPPM = round(r.ZE40.TVOCPPM, 3)
		}
		if r.ZE40Analog.Valid {
			z.DACVoltage = round(r.ZE40Analog.Voltage, 2)
			z.DACPPM = round(r.ZE40Analog.PPM, 3)
		}
		p.ZE40 = z
	}

	if aq := r.AirQuality; aq.Valid {
		p.AirQuality = &AirQualityPayload{
			PM1:         aq.PM1,
			PM25:        aq.PM25,
			PM10:        aq.PM10,
			CO2:         aq.CO2,
			VOC:         aq.VOC,
			CH2O:        aq.CH2O,
			CO:          round(aq.CO, 1),
			O3:          round(aq.O3, 2),
			NO2:         round(aq.NO2, 3),
			Temperature: round(aq.Temperature, 1),
			Humidity:    aq.Humidity,
		}
	}

	if m := r.MR007; m.Valid {
		p.MR007 = &MR007Payload{
			Voltage:          round(m.Voltage, 3),
			RawValue:         m.Raw,
			LELConcentration: round(m.LEL, 1),
		}
	}

	if m := r.ME4SO2; m.Valid {
		p.ME4SO2 = &ME4SO2Payload{
			Voltage:          round(m.Voltage, 4),
			RawValue:         m.Raw,
			CurrentUA:        round(m.CurrentUA, 2),
			SO2Concentration: round(m.SO2, 2),
		}
	}
	return p
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
