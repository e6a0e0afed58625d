package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/textileio/auctionhouse/buildinfo"
	"github.com/textileio/auctionhouse/httpapi"
	"github.com/textileio/auctionhouse/lib/dshelper"
	"github.com/textileio/auctionhouse/lib/finalizer"
	"github.com/textileio/auctionhouse/lib/ledger"
	"github.com/textileio/auctionhouse/lib/logging"
	"github.com/textileio/auctionhouse/lib/market"
	"github.com/textileio/auctionhouse/service"
	"github.com/textileio/auctionhouse/service/limiter"
	"github.com/textileio/auctionhouse/service/logic"
	"github.com/textileio/auctionhouse/service/pricing"
	"github.com/textileio/auctionhouse/service/store"
	"github.com/textileio/cli"
	golog "github.com/textileio/go-log/v2"
)

var (
	cliName           = "auctionhouse"
	defaultConfigPath = filepath.Join(os.Getenv("HOME"), "."+cliName)
	log               = golog.Logger(cliName)
	v                 = viper.New()

	auctionsListFields = []string{"ID", "Seller", "ItemContract", "ItemID", "StartPrice", "HighestBidder",
		"HighestBidAmount", "HighestBidAsset", "Ended", "StartTime"}
	eventsListFields = []string{"ID", "Type", "AuctionID", "Seller", "Bidder", "Winner", "Recipient",
		"Asset", "Amount", "CreatedAt"}
	payoutsListFields = []string{"ID", "AuctionID", "Recipient", "Asset", "Amount", "Reason", "Status",
		"Attempts", "ErrorCause"}
)

func init() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(repoPath(), ".env"))

	rootCmd.AddCommand(initCmd, daemonCmd, versionCmd, initializeCmd, auctionsCmd, bidCmd, feedsCmd,
		eventsCmd, payoutsCmd, withdrawCmd, upgradeCmd, helloCmd)
	auctionsCmd.AddCommand(auctionsListCmd, auctionsShowCmd, auctionsCreateCmd, auctionsEndCmd)
	feedsCmd.AddCommand(feedsListCmd, feedsSetCmd)

	commonFlags := []cli.Flag{
		{
			Name:        "http-port",
			DefValue:    "8888",
			Description: "HTTP API listen port",
		},
		{
			Name:        "caller",
			DefValue:    "",
			Description: "Address of the calling account, sent with state-changing requests",
		},
		{Name: "json", DefValue: false, Description: "output in json format instead of tabular print"},
		{Name: "limit", DefValue: 0, Description: "maximum number of listed results; default is 50"},
		{Name: "offset", DefValue: "", Description: "id after which listed results start"},
		{Name: "order", DefValue: "desc", Description: "order of listed results, asc or desc"},
		{Name: "recipient", DefValue: "", Description: "filter payouts by recipient address"},
		{Name: "status", DefValue: "", Description: "filter payouts by statuses, separated by comma"},
	}
	daemonFlags := []cli.Flag{
		{
			Name:        "engine-address",
			DefValue:    "",
			Description: "Address the engine holds escrow under and moves items as; required",
		},
		{
			Name:        "logic-version",
			DefValue:    logic.VersionV1,
			Description: fmt.Sprintf("Logic version activated on first start; one of %v", logic.Versions()),
		},
		{
			Name:        "genesis",
			DefValue:    "",
			Description: "Path to a JSON genesis file seeding the in-memory ledgers",
		},
		{
			Name:        "price-feed-url",
			DefValue:    "",
			Description: "Base URL of an HTTP price feed service; genesis prices are used as fallback",
		},
		{
			Name:        "price-feed-api-key",
			DefValue:    "",
			Description: "API key sent to the HTTP price feed service",
		},
		{
			Name:        "price-feed-cache-period",
			DefValue:    10 * time.Second,
			Description: "How long a price loaded from the HTTP price feed service is reused",
		},
		{
			Name:     "listing-limit",
			DefValue: "",
			Description: `Maximum number of auctions each seller creates for a period of time.
In the form of '10/1h', '1k / 24h', etc. Default to no limit.
Be aware that the counter resets when auctionhouse restarts.`,
		},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level log"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}
	createFlags := []cli.Flag{
		{Name: "duration", DefValue: time.Hour, Description: "auction duration; must be more than 10s"},
		{Name: "start-price", DefValue: "", Description: "start price in native base units; required"},
		{Name: "item-contract", DefValue: "", Description: "address of the item contract; required"},
		{Name: "item-id", DefValue: 0, Description: "id of the item within its contract"},
	}
	bidFlags := []cli.Flag{
		{Name: "asset", DefValue: "native", Description: "asset to bid with, native or a token address"},
		{Name: "value", DefValue: "", Description: "native amount attached to a native bid; defaults to amount"},
	}

	cobra.OnInitialize(func() {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("AUCTIONHOUSE_PATH"))
		v.AddConfigPath(defaultConfigPath)
		_ = v.ReadInConfig()
	})

	cli.ConfigureCLI(v, "AUCTIONHOUSE", commonFlags, rootCmd.PersistentFlags())
	cli.ConfigureCLI(v, "AUCTIONHOUSE", daemonFlags, daemonCmd.PersistentFlags())
	cli.ConfigureCLI(v, "AUCTIONHOUSE", createFlags, auctionsCreateCmd.PersistentFlags())
	cli.ConfigureCLI(v, "AUCTIONHOUSE", bidFlags, bidCmd.PersistentFlags())
}

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "Auctionhouse runs timed auctions of unique items paid in native currency or tokens",
	Long: `Auctionhouse runs timed auctions of unique items paid in native currency or tokens.

Sellers list an item with a start price and a duration. Bidders escrow their
bid, which is compared with the current leader after normalizing both through
price feeds. Outbid leaders are refunded right away. Once the auction ends the
seller settles it: the item goes to the winner and the winning bid to the seller.

To get started, run 'auctionhouse init' and then 'auctionhouse daemon'.
`,
	Args: cobra.ExactArgs(0),
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes auctionhouse configuration files",
	Long: `Initializes auctionhouse configuration files.

auctionhouse uses a repository in the local file system. By default, the repo is
located at ~/.auctionhouse. To change the repo location, set the $AUCTIONHOUSE_PATH
environment variable:

    export AUCTIONHOUSE_PATH=/path/to/auctionhouserepo
`,
	Args: cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		dir := repoPath()
		cli.CheckErrf("creating repo: %v", os.MkdirAll(dir, os.ModePerm))
		filename := filepath.Join(dir, "config")
		if _, err := os.Stat(filename); err == nil {
			cli.CheckErr(fmt.Errorf("%s already exists", filename))
		}
		cli.CheckErrf("writing config: %v", v.WriteConfigAs(filename))
		fmt.Printf("Initialized configuration file: %s\n\n", filename)
		fmt.Print(`Start the engine with an address it holds escrow under:

    auctionhouse daemon --engine-address [address] --genesis [genesis.json]

Then claim ownership, which is required to register price feeds:

    auctionhouse initialize --caller [owner-address]
`)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the auction engine",
	Long: `Run the auction engine and serve its HTTP API.

Auctions, escrow records and payouts persist in the repo. The ledgers are
in memory and rebuilt from the genesis file on every start, so funds held
in custody by a previous run are gone: payouts left pending by that run
are retried on start, fail, and stay withdrawable.`,
	Args:  cobra.ExactArgs(0),
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cli.ExpandEnvVars(v, v.AllSettings())
		err := cli.ConfigureLogging(v, logging.Subsystems)
		cli.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		if v.GetString("engine-address") == "" {
			cli.CheckErr(errors.New("--engine-address is required. See 'auctionhouse help init' for instructions"))
		}
		engine, err := market.ParseAddress(v.GetString("engine-address"))
		cli.CheckErrf("parsing engine address: %v", err)

		settings, err := cli.MarshalConfig(v, !v.GetBool("log-json"), "price-feed-api-key")
		cli.CheckErrf("marshaling config: %v", err)
		log.Infof("loaded config: %s", string(settings))
		log.Infof("build: %s", buildinfo.Summary())

		fin := finalizer.NewFinalizer()
		store, err := dshelper.NewBadgerTxnDatastore(filepath.Join(repoPath(), "auctionstore"))
		cli.CheckErrf("creating datastore: %v", err)
		fin.Add(store)

		err = cli.SetupInstrumentation(v.GetString("metrics-addr"))
		cli.CheckErrf("booting instrumentation: %v", err)

		memory := ledger.NewMemory()
		if path := v.GetString("genesis"); path != "" {
			genesis, err := ledger.LoadGenesisFile(path)
			cli.CheckErrf("loading genesis: %v", err)
			cli.CheckErrf("applying genesis: %v", genesis.Apply(memory))
		}
		var feeds ledger.PriceFeedProvider = memory
		if u := v.GetString("price-feed-url"); u != "" {
			feeds = pricing.Chain{
				pricing.NewHTTPFeeds(u, v.GetString("price-feed-api-key"), v.GetDuration("price-feed-cache-period")),
				memory,
			}
		}

		var listingLimiter limiter.Limiter = limiter.Unlimited{}
		if limit := v.GetString("listing-limit"); limit != "" {
			lim, err := parseListingLimit(limit)
			cli.CheckErrf(fmt.Sprintf("parsing '%s': %%v", limit), err)
			listingLimiter = lim
		}

		config := service.Config{
			EngineAddress:  engine,
			LogicVersion:   v.GetString("logic-version"),
			ListingLimiter: listingLimiter,
			Notifier: func(e market.Event) {
				log.Infof("%s %s: auction %s", e.CreatedAt.Format(time.RFC3339), e.Type, e.AuctionID)
			},
		}
		serv, err := service.New(config, store, service.Ledgers{
			Native: memory.Native(),
			Tokens: memory,
			Items:  memory,
			Feeds:  feeds,
		})
		cli.CheckErrf("starting service: %v", err)
		fin.Add(serv)

		api, err := httpapi.NewServer(":"+v.GetString("http-port"), serv)
		cli.CheckErrf("creating http API server: %v", err)
		fin.Add(api)

		cli.HandleInterrupt(func() {
			cli.CheckErr(fin.Cleanupf("closing service: %v", nil))
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the build and the active logic version of the daemon",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		var res httpapi.VersionResponse
		call(http.MethodGet, urlFor("version"), nil, &res)
		fmt.Printf("build: %s\nlogic: %s\n", res.Build, res.Logic)
	},
}

var initializeCmd = &cobra.Command{
	Use:   "initialize",
	Short: "Claim ownership of the engine",
	Long:  "Claim ownership of the engine. Only the first call succeeds; the caller becomes the owner.",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		call(http.MethodPost, urlFor("initialize"), nil, nil)
		fmt.Printf("%s is the owner\n", v.GetString("caller"))
	},
}

var auctionsCmd = &cobra.Command{
	Use: "auctions",
	Aliases: []string{
		"auction",
	},
	Short: "Interact with auctions",
	Long:  "Interact with auctions.",
	Args:  cobra.ExactArgs(0),
}

var auctionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List auctions",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		var auctions []market.Auction
		call(http.MethodGet, urlFor("auctions")+listQuery(), nil, &auctions)
		printList(auctions, auctionsListFields)
	},
}

var auctionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show details of one auction",
	Long:  `Show details of one auction, specified by the auction ID, which can be obtained by 'auctionhouse auctions list'`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		var auction market.Auction
		call(http.MethodGet, urlFor("auctions", args[0]), nil, &auction)
		if v.GetBool("json") {
			printJSON(auction)
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		typ := reflect.TypeOf(auction)
		value := reflect.ValueOf(auction)
		for i := 0; i < typ.NumField(); i++ {
			_, err := fmt.Fprintf(w, "%s:\t%v\n", typ.Field(i).Name, value.Field(i))
			cli.CheckErr(err)
		}
		_, err := fmt.Fprintf(w, "EndTime:\t%v (%s)\n", auction.EndTime(), humanize.Time(auction.EndTime()))
		cli.CheckErr(err)
		_ = w.Flush()
	},
}

var auctionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "List an item for auction",
	Long: `List an item for auction. The engine must be approved as operator of the
caller's items on the item contract before the auction can be settled.`,
	Args: cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		startPrice, err := decimal.NewFromString(v.GetString("start-price"))
		cli.CheckErrf("parsing start price: %v", err)
		itemContract, err := market.ParseAddress(v.GetString("item-contract"))
		cli.CheckErrf("parsing item contract: %v", err)
		duration := v.GetDuration("duration")
		if duration%time.Second != 0 {
			cli.CheckErr(fmt.Errorf("duration %s is not a whole number of seconds", duration))
		}
		req := logic.CreateAuctionRequest{
			Duration:     uint64(duration / time.Second),
			StartPrice:   startPrice,
			ItemContract: itemContract,
			ItemID:       v.GetUint64("item-id"),
		}
		var res httpapi.CreateAuctionResponse
		call(http.MethodPost, urlFor("auctions"), req, &res)
		fmt.Printf("created auction %s\n", res.ID)
	},
}

var auctionsEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "Settle an auction after its deadline",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		call(http.MethodPost, urlFor("auctions", args[0], "end"), nil, nil)
		fmt.Printf("ended auction %s\n", args[0])
	},
}

var bidCmd = &cobra.Command{
	Use:   "bid <auction-id> <amount>",
	Short: "Bid on an auction",
	Long: `Bid on an auction with an amount in base units of the asset.

Token bids are pulled with the engine's allowance, so approve the engine first.
Native bids attach the amount as value unless --value says otherwise.`,
	Args: cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		asset, err := market.ParseAsset(v.GetString("asset"))
		cli.CheckErrf("parsing asset: %v", err)
		amount, err := decimal.NewFromString(args[1])
		cli.CheckErrf("parsing amount: %v", err)
		req := logic.PlaceBidRequest{Asset: asset, Amount: amount}
		if asset.IsNative() {
			req.Value = amount
			if s := v.GetString("value"); s != "" {
				req.Value, err = decimal.NewFromString(s)
				cli.CheckErrf("parsing value: %v", err)
			}
		}
		call(http.MethodPost, urlFor("auctions", args[0], "bids"), req, nil)
		fmt.Printf("bid %s %s on auction %s\n", amount, asset, args[0])
	},
}

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Interact with price feeds",
	Long:  "Interact with price feeds.",
	Args:  cobra.ExactArgs(0),
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered price feeds by asset",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		var feeds map[string]market.Address
		call(http.MethodGet, urlFor("feeds"), nil, &feeds)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', 0)
		for asset, feed := range feeds {
			_, err := fmt.Fprintf(w, "%s\t%s\n", asset, feed)
			cli.CheckErr(err)
		}
		_ = w.Flush()
	},
}

var feedsSetCmd = &cobra.Command{
	Use:   "set <asset> <feed>",
	Short: "Register the price feed of an asset; owner only",
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		asset, err := market.ParseAsset(args[0])
		cli.CheckErrf("parsing asset: %v", err)
		feed, err := market.ParseAddress(args[1])
		cli.CheckErrf("parsing feed: %v", err)
		call(http.MethodPut, urlFor("feeds"), httpapi.SetPriceFeedRequest{Asset: asset, Feed: feed}, nil)
		fmt.Printf("feed of %s set to %s\n", asset, feed)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List emitted events",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		var events []market.Event
		call(http.MethodGet, urlFor("events")+listQuery(), nil, &events)
		printList(events, eventsListFields)
	},
}

var payoutsCmd = &cobra.Command{
	Use:   "payouts",
	Short: "List payouts, optionally filtered by recipient and status",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		params := url.Values{}
		if recipient := v.GetString("recipient"); recipient != "" {
			params.Set("recipient", recipient)
		}
		if status := v.GetString("status"); status != "" {
			params.Set("status", status)
		}
		u := urlFor("payouts")
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		var payouts []store.Payout
		call(http.MethodGet, u, nil, &payouts)
		printList(payouts, payoutsListFields)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Retry payouts owed to the caller that failed to deliver",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		var paid []store.Payout
		call(http.MethodPost, urlFor("withdraw"), nil, &paid)
		for _, p := range paid {
			fmt.Printf("received %s %s from auction %s\n", p.Amount, p.Asset, p.AuctionID)
		}
		if len(paid) == 0 {
			fmt.Println("nothing to withdraw")
		}
	},
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <version>",
	Short: "Switch the engine to another logic version; owner only",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		var res httpapi.VersionResponse
		call(http.MethodPost, urlFor("upgrade"), httpapi.UpgradeRequest{Version: args[0]}, &res)
		fmt.Printf("logic: %s\n", res.Logic)
	},
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Greet from the active logic, if it supports it",
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		var res httpapi.HelloResponse
		call(http.MethodGet, urlFor("hello"), nil, &res)
		fmt.Println(res.Message)
	},
}

func main() {
	cli.CheckErr(rootCmd.Execute())
}

func repoPath() string {
	if p := os.Getenv("AUCTIONHOUSE_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

func urlFor(parts ...string) string {
	u := "http://127.0.0.1:" + v.GetString("http-port")
	if len(parts) > 0 {
		u += "/" + path.Join(parts...)
	}
	return u
}

func listQuery() string {
	params := url.Values{}
	if limit := v.GetInt("limit"); limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset := v.GetString("offset"); offset != "" {
		params.Set("offset", offset)
	}
	if order := v.GetString("order"); order != "" {
		params.Set("order", order)
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// call sends a request to the daemon with the configured caller and decodes
// the response into out, if not nil.
func call(method, u string, body interface{}, out interface{}) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		cli.CheckErr(err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, reader)
	cli.CheckErr(err)
	if caller := v.GetString("caller"); caller != "" {
		req.Header.Set(httpapi.CallerHeader, caller)
	}
	res, err := http.DefaultClient.Do(req)
	cli.CheckErr(err)
	defer func() {
		err := res.Body.Close()
		cli.CheckErr(err)
	}()
	if res.StatusCode != http.StatusOK {
		b, _ := ioutil.ReadAll(res.Body)
		log.Fatalf("%s: %s", res.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return
	}
	cli.CheckErr(json.NewDecoder(res.Body).Decode(out))
}

func printJSON(o interface{}) {
	b, err := json.MarshalIndent(o, "", "\t")
	cli.CheckErr(err)
	fmt.Println(string(b))
}

// printList prints a slice of structs as a table of the given fields.
func printList(list interface{}, fields []string) {
	if v.GetBool("json") {
		printJSON(list)
		return
	}
	items := reflect.ValueOf(list)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
	for i := 0; i < items.Len(); i++ {
		if i == 0 {
			for _, field := range fields {
				_, err := fmt.Fprintf(w, "%s\t", field)
				cli.CheckErr(err)
			}
			_, err := fmt.Fprintln(w, "")
			cli.CheckErr(err)
		}
		value := items.Index(i)
		for _, field := range fields {
			_, err := fmt.Fprintf(w, "%v\t", value.FieldByName(field))
			cli.CheckErr(err)
		}
		_, err := fmt.Fprintln(w, "")
		cli.CheckErr(err)
	}
	_ = w.Flush()
}

func parseListingLimit(s string) (limiter.Limiter, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return nil, errors.New("should be separated by forward slash (/)")
	}
	n, unit, err := humanize.ParseSI(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	if unit != "" {
		return nil, fmt.Errorf("unexpected unit %q", unit)
	}
	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		return nil, fmt.Errorf("%v is not a valid number of auctions", n)
	}
	d, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	return limiter.NewSlidingWindow(d, uint64(n), nil), nil
}
