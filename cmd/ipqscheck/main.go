package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/scamadvisory/mailrisk/internal/httpclient"
	"github.com/scamadvisory/mailrisk/internal/ipqstool"
)

func usage() {
	fmt.Fprintf(os.Stderr, "ipqscheck - IPQualityScore multi-endpoint passthrough\n\n")
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options] <target>\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  ip     <address>      check an IPv4/IPv6 address\n")
	fmt.Fprintf(os.Stderr, "  email  <address>      validate an email address\n")
	fmt.Fprintf(os.Stderr, "  phone  <number>       validate a phone number (E.164 like +447...)\n")
	fmt.Fprintf(os.Stderr, "  url    <url>          scan a URL (include the scheme)\n\n")
	fmt.Fprintf(os.Stderr, "Examples:\n")
	fmt.Fprintf(os.Stderr, "  %s ip 1.2.3.4\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s ip 1.2.3.4 -strictness=2 -fast\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s phone +447700900123 -country=GB\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s url https://suspicious.example -json\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nThe API key comes from -api_key or the IPQS_KEY environment variable.\n")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "ip":
		runIP(os.Args[2:])
	case "email":
		runEmail(os.Args[2:])
	case "phone":
		runPhone(os.Args[2:])
	case "url":
		runURL(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

// commonFlags registers the knobs every endpoint shares.
func commonFlags(fs *flag.FlagSet, o *ipqstool.Options) (apiKey *string, jsonOut *bool, timeoutSec *int) {
	apiKey = fs.String("api_key", "", "IPQS API key (or set IPQS_KEY)")
	jsonOut = fs.Bool("json", false, "print the raw JSON document")
	timeoutSec = fs.Int("timeout_sec", 10, "HTTP timeout seconds")
	fs.IntVar(&o.Strictness, "strictness", o.Strictness, "0-2, higher is stricter")
	fs.BoolVar(&o.Fast, "fast", o.Fast, "faster but slightly less accurate")
	return apiKey, jsonOut, timeoutSec
}

func resolveKey(flagKey string) string {
	if flagKey != "" {
		return flagKey
	}
	if v := os.Getenv("IPQS_KEY"); v != "" {
		return v
	}
	if v := os.Getenv("IPQS_API_KEY"); v != "" {
		return v
	}
	fmt.Fprintln(os.Stderr, "error: API key not provided; set IPQS_KEY or use -api_key")
	os.Exit(2)
	return ""
}

func target(fs *flag.FlagSet) string {
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	return fs.Arg(0)
}

func client(flagKey string, timeoutSec int) *ipqstool.Client {
	key := resolveKey(flagKey)
	return ipqstool.New(httpclient.New(time.Duration(timeoutSec)*time.Second), key)
}

func printResult(rep ipqstool.Report, err error, jsonOut bool, summarize func(ipqstool.Report) string) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if jsonOut {
		s, err := rep.JSON()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Println(s)
		return
	}
	fmt.Println(summarize(rep))
}

func runIP(args []string) {
	fs := flag.NewFlagSet("ip", flag.ExitOnError)
	o := ipqstool.DefaultOptions()
	apiKey, jsonOut, timeoutSec := commonFlags(fs, &o)
	fs.BoolVar(&o.AllowPublicAccessPoints, "allow_public_access_points", false, "allow hotel/coffeeshop WiFi to reduce false positives")
	fs.BoolVar(&o.Mobile, "mobile", false, "assume mobile devices more likely")
	fs.BoolVar(&o.LighterPenalties, "lighter_penalties", false, "lighter penalties for risk signals")
	fs.IntVar(&o.TransactionStrictness, "transaction_strictness", o.TransactionStrictness, "0-2, adjusts scoring for transactional checks")
	fs.StringVar(&o.UserAgent, "user_agent", "", "optional user agent to improve accuracy")
	fs.Parse(args)

	rep, err := client(*apiKey, *timeoutSec).IP(context.Background(), target(fs), o)
	printResult(rep, err, *jsonOut, ipqstool.SummarizeIP)
}

func runEmail(args []string) {
	fs := flag.NewFlagSet("email", flag.ExitOnError)
	o := ipqstool.DefaultOptions()
	apiKey, jsonOut, timeoutSec := commonFlags(fs, &o)
	fs.IntVar(&o.LookupTimeout, "lookup_timeout", o.LookupTimeout, "mailbox lookup timeout seconds")
	fs.BoolVar(&o.SuggestDomain, "suggest_domain", false, "return a typo-corrected domain suggestion")
	fs.Parse(args)

	rep, err := client(*apiKey, *timeoutSec).Email(context.Background(), target(fs), o)
	printResult(rep, err, *jsonOut, ipqstool.SummarizeEmail)
}

func runPhone(args []string) {
	fs := flag.NewFlagSet("phone", flag.ExitOnError)
	o := ipqstool.DefaultOptions()
	apiKey, jsonOut, timeoutSec := commonFlags(fs, &o)
	fs.StringVar(&o.Country, "country", "", "2-letter country code if the number lacks a prefix")
	fs.BoolVar(&o.LineTypeDetect, "line_type_detect", false, "return line type (mobile/fixed/VoIP)")
	fs.Parse(args)

	rep, err := client(*apiKey, *timeoutSec).Phone(context.Background(), target(fs), o)
	printResult(rep, err, *jsonOut, ipqstool.SummarizePhone)
}

func runURL(args []string) {
	fs := flag.NewFlagSet("url", flag.ExitOnError)
	o := ipqstool.DefaultOptions()
	apiKey, jsonOut, timeoutSec := commonFlags(fs, &o)
	fs.Parse(args)

	rep, err := client(*apiKey, *timeoutSec).URL(context.Background(), target(fs), o)
	printResult(rep, err, *jsonOut, ipqstool.SummarizeURL)
}
