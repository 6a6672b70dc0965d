/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the committee and the ED25519 and BLS keys.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/spf13/viper"
)

func judgeWhetherInSlice(i int, b []int) bool {
	for _, v := range b {
		if i == v {
			return true
		}
	}
	return false
}

func generateRandomNumber(nodeNum int, faultyNum int) []int {
	var nums []int
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(nums) < faultyNum && len(nums) < nodeNum {
		num := r.Intn(nodeNum)
		// discard duplicates
		if !judgeWhetherInSlice(num, nums) {
			nums = append(nums, num)
		}
	}
	return nums
}

func main() {

	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	ipsInterface := viperRead.GetStringMap("IPs")
	p2pPortInterface := viperRead.GetStringMap("peers_p2p_port")
	nodeNumber := len(ipsInterface)
	if nodeNumber != len(p2pPortInterface) {
		panic("peers_p2p_port does not match with IPs")
	}
	clusterName := make([]string, 0, nodeNumber)
	addresses := make(map[string]string, nodeNumber)
	for name, addr := range ipsInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		port, ok := p2pPortInterface[name].(int)
		if !ok {
			panic("peers_p2p_port contains a non-int value")
		}
		clusterName = append(clusterName, name)
		addresses[name] = fmt.Sprintf("%s:%d", addrAsString, port)
	}
	sort.Strings(clusterName)

	// create the ED25519 and BLS keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	privKeysBLS := make(map[string]string, nodeNumber)
	authorities := make(map[string]interface{}, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		privKeyBLS, pubKeyBLS := sign.GenBLSKeys()
		privAsBytes, err := sign.EncodeBLSPrivateKey(privKeyBLS)
		if err != nil {
			panic("fail encode the BLS private key")
		}
		pubAsBytes, err := sign.EncodeBLSPublicKey(pubKeyBLS)
		if err != nil {
			panic("fail encode the BLS public key")
		}
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
		privKeysBLS[name] = hex.EncodeToString(privAsBytes)
		authorities[name] = map[string]interface{}{
			"stake":       1,
			"address":     addresses[name],
			"public_key":  hex.EncodeToString(pubAsBytes),
			"network_key": hex.EncodeToString(pubKeyED),
		}
	}

	// load simple parameter
	maxPool := viperRead.GetInt("max_pool")
	logLevel := viperRead.GetInt("log_level")
	epoch := viperRead.GetUint64("epoch")
	parameters := viperRead.GetStringMap("parameters")
	metricsPort := viperRead.GetInt("metrics_port")
	loadRate := viperRead.GetInt("load_rate")
	txSize := viperRead.GetInt("tx_size")
	faultyNum := viperRead.GetInt("faulty_number")
	faultyNode := generateRandomNumber(nodeNumber, faultyNum)
	fmt.Println("FaultyNodes:", faultyNode)

	// write to configure files
	for i, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))
		viperWrite.Set("name", name)
		viperWrite.Set("private_key", privKeysED25519[name])
		viperWrite.Set("bls_key", privKeysBLS[name])
		viperWrite.Set("epoch", epoch)
		viperWrite.Set("authorities", authorities)
		viperWrite.Set("parameters", parameters)
		viperWrite.Set("store_path", "db_"+name)
		if metricsPort > 0 {
			host := strings.Split(addresses[name], ":")[0]
			viperWrite.Set("metrics_address", fmt.Sprintf("%s:%d", host, metricsPort+i))
		}
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("load_rate", loadRate)
		viperWrite.Set("tx_size", txSize)
		viperWrite.Set("is_faulty", judgeWhetherInSlice(i, faultyNode))
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
