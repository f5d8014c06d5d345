// simulator 本地Modbus TCP从站，用于联调适配器
package main

import (
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tbrandon/mbserver"
)

func main() {
	addr := pflag.String("addr", "127.0.0.1:5020", "监听地址")
	period := pflag.Duration("period", time.Second, "数据变化周期")
	pflag.Parse()

	serv := mbserver.NewServer()
	if err := serv.ListenTCP(*addr); err != nil {
		logrus.Fatalf("监听失败: %v", err)
	}
	defer serv.Close()

	logrus.Infof("模拟从站启动: %s", *addr)
	logrus.Info("holding 0: int16 温度*10, holding 1: uint16 设定值, holding 2-3: float32 压力(ABCD), coil 0: 泵")

	serv.HoldingRegisters[1] = 40
	serv.Coils[0] = 1

	ticker := time.NewTicker(*period)
	defer ticker.Stop()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	start := time.Now()
	for {
		select {
		case <-sig:
			logrus.Info("模拟从站退出")
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			temperature := int16(215 + 20*math.Sin(t/10))
			pressure := math.Float32bits(float32(1.2 + 0.1*math.Cos(t/5)))
			serv.HoldingRegisters[0] = uint16(temperature)
			serv.HoldingRegisters[2] = uint16(pressure >> 16)
			serv.HoldingRegisters[3] = uint16(pressure)
		}
	}
}
