// config_test.go tests config files
package config

import (
	"testing"
)

// fileToTest is a relative path to the configuration file to test (ie. streamd/cmd/conf.json)
var fileToTest string = "../../cmd/conf.json"

// TestConfig extracts config from a file and checks values loaded
func TestConfig(t *testing.T) {
	//extract configuration
	conf, err := ExtractConfiguration(fileToTest)
	if err != nil {
		t.Errorf("Error reading config file:%v\n", err)
	} else {
		// lets check the port
		if conf.Port != "3030" {
			t.Errorf("config port is not the expected %s", conf.Port)
		}
		// and the gateway
		if conf.Gw.Token == "" || conf.Gw.Payout == "" || conf.Gw.Decimals != 2 {
			t.Errorf("gateway config does not match the expected %+v", conf.Gw)
		}
		// and the claim policy
		if conf.MinClaim != "1" || conf.StaleClaim != 60 {
			t.Errorf("claim policy does not match the expected min:%s stale:%d", conf.MinClaim, conf.StaleClaim)
		}
	}
}
