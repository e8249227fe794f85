package camera

import "testing"

func TestSensorModelFromName(t *testing.T) {
	cases := map[string]string{
		"/base/soc/i2c0mux/i2c@1/imx477@1a": "imx477",
		"/base/axi/pcie@120000/rp1/i2c@88000/imx708@1a": "imx708",
		"ov5647@36": "ov5647",
		"imx477":    "imx477",
	}
	for name, want := range cases {
		if got := sensorModelFromName(name); got != want {
			t.Errorf("sensorModelFromName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestKnownSensorsGeometry(t *testing.T) {
	for model, p := range knownSensors {
		if p.Info.Model != model {
			t.Errorf("%s: profile model = %q", model, p.Info.Model)
		}
		for _, m := range p.Modes {
			if !m.IsBayer() {
				t.Errorf("%s: mode %s is not a bayer format", model, m.Label())
			}
			if m.Size.Pixels() > p.Info.PixelArraySize.Pixels() {
				t.Errorf("%s: mode %s exceeds the pixel array", model, m.Label())
			}
		}
	}
}
