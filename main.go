package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/satsend/nwcpay/internal"
	"github.com/satsend/nwcpay/internal/lnurl"
	"github.com/satsend/nwcpay/internal/rate"
	"github.com/satsend/nwcpay/internal/runtime"
	"github.com/satsend/nwcpay/internal/session"
	"github.com/satsend/nwcpay/internal/storage"
	"github.com/satsend/nwcpay/internal/storage/history"
)

// setLogger will initialize the log format
func setLogger() {
	log.SetLevel(log.DebugLevel)
	customFormatter := new(log.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	log.SetFormatter(customFormatter)
}

func main() {
	// set logger
	setLogger()

	defer withRecovery()

	qrPath := flag.String("qr", "", "write the invoice QR code png to this path")
	flag.Parse()
	if flag.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s [-qr out.png] <address> <amount-sat>\n", os.Args[0])
		os.Exit(2)
	}
	address := flag.Arg(0)
	amountSat, err := strconv.ParseInt(flag.Arg(1), 10, 64)
	if err != nil || amountSat <= 0 {
		log.Fatalf("invalid amount %q, expected a positive sat amount", flag.Arg(1))
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := internal.Load("config.yaml"); err != nil {
			log.Fatalf("could not load config.yaml: %v", err)
		}
	}
	uri := internal.Configuration.Wallet.URI
	if env := os.Getenv("NWC_URI"); env != "" {
		uri = env
	}
	if uri == "" {
		log.Fatalf("no wallet connect uri, set wallet.uri in config.yaml or NWC_URI")
	}

	rate.Start()

	db, err := storage.NewBunt(internal.Configuration.Database.HistoryDbPath)
	if err != nil {
		log.Fatalf("could not open history database: %v", err)
	}

	s := session.New(session.WithHistory(history.NewStore(db)))
	if err := s.Connect(uri); err != nil {
		log.Fatalf("could not connect wallet: %v", err)
	}

	outcome, err := s.Pay(context.Background(), address, amountSat)
	if err != nil {
		log.Fatalf("payment attempt rejected: %v", err)
	}

	if *qrPath != "" && outcome.Invoice != "" {
		if png, err := lnurl.InvoiceQR(outcome.Invoice); err == nil {
			runtime.IgnoreError(os.WriteFile(*qrPath, png, 0644))
		}
	}

	// acknowledge but keep the connection: logging out would wipe the
	// persisted history
	runtime.IgnoreError(s.Acknowledge())

	if outcome.Succeeded {
		log.Infof("paid %d sat to %s, preimage %s", outcome.AmountSat, outcome.Address, outcome.Preimage)
		return
	}
	log.Errorf("payment failed: %s", outcome.Reason)
	os.Exit(1)
}

func withRecovery() {
	if r := recover(); r != nil {
		log.Errorln("Recovered panic: ", r)
		debug.PrintStack()
	}
}
