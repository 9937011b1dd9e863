package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	simulateSymbol string
	simulatePrices map[string]string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次多协议价格偏差并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 必须提供")
		}
		prices, err := parsePrices(simulatePrices)
		if err != nil {
			return err
		}
		_, err = getApp().SimulateAlert(cmd.Context(), simulateSymbol, prices)
		return err
	},
}

func parsePrices(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, errors.New("--price 至少提供一个, 例如 --price chainlink=2500")
	}
	out := make(map[string]float64, len(raw))
	for protocol, v := range raw {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("--price %s=%s 必须为正数", protocol, v)
		}
		out[protocol] = p
	}
	return out, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "交易对符号, 例如 ETH")
	simulateCmd.Flags().StringToStringVar(&simulatePrices, "price", nil, "协议价格 protocol=price, 可重复")
}
