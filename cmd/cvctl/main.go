package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"care-vault/internal/audit"
	"care-vault/internal/config"
	"care-vault/internal/crypto"
	"care-vault/internal/keys"
	"care-vault/internal/localdb"
	"care-vault/internal/records"
	"care-vault/internal/sanitize"
	"care-vault/internal/sync"
)

func main() {
	// ---- list ----
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listDB := listCmd.String("db", "", "path to local store (default ~/.care-vault/vault.db)")
	listActor := listCmd.String("actor", "", "actor id")
	listPass := listCmd.Bool("passphrase", false, "unlock with a passphrase instead of the device secret")

	// ---- export ----
	exportCmd := flag.NewFlagSet("export", flag.ExitOnError)
	exportDB := exportCmd.String("db", "", "path to local store")
	exportActor := exportCmd.String("actor", "", "actor id")
	exportID := exportCmd.String("id", "", "record id")
	exportPass := exportCmd.Bool("passphrase", false, "unlock with a passphrase")

	// ---- sync ----
	syncCmd := flag.NewFlagSet("sync", flag.ExitOnError)
	syncDB := syncCmd.String("db", "", "path to local store")
	syncActor := syncCmd.String("actor", "", "actor id")
	syncMongo := syncCmd.String("mongo", "", "MongoDB URI")
	syncMongoDB := syncCmd.String("mongodb", "carevault", "Mongo database name")
	syncPass := syncCmd.Bool("passphrase", false, "unlock with a passphrase")

	// ---- audit-verify ----
	verifyCmd := flag.NewFlagSet("audit-verify", flag.ExitOnError)
	verifyDB := verifyCmd.String("db", "", "path to local store")
	verifyActor := verifyCmd.String("actor", "", "actor id")
	verifyPass := verifyCmd.Bool("passphrase", false, "unlock with a passphrase")

	// ---- audit-purge ----
	purgeCmd := flag.NewFlagSet("audit-purge", flag.ExitOnError)
	purgeDB := purgeCmd.String("db", "", "path to local store")
	purgeActor := purgeCmd.String("actor", "", "actor id")
	purgeDays := purgeCmd.Int("days", 90, "retention horizon in days")
	purgePass := purgeCmd.Bool("passphrase", false, "unlock with a passphrase")

	// ---- migrate-ids ----
	migrateCmd := flag.NewFlagSet("migrate-ids", flag.ExitOnError)
	migrateDB := migrateCmd.String("db", "", "path to local store")
	migrateActor := migrateCmd.String("actor", "", "actor id")
	migratePass := migrateCmd.Bool("passphrase", false, "unlock with a passphrase")

	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "list":
		_ = listCmd.Parse(os.Args[2:])
		a, err := openApp(*listDB, "", "", *listActor, *listPass)
		dieIf(err)
		defer a.close()
		dieIf(cmdList(a))

	case "export":
		_ = exportCmd.Parse(os.Args[2:])
		a, err := openApp(*exportDB, "", "", *exportActor, *exportPass)
		dieIf(err)
		defer a.close()
		dieIf(cmdExport(a, *exportID))

	case "sync":
		_ = syncCmd.Parse(os.Args[2:])
		a, err := openApp(*syncDB, *syncMongo, *syncMongoDB, *syncActor, *syncPass)
		dieIf(err)
		defer a.close()
		dieIf(cmdSync(a))

	case "audit-verify":
		_ = verifyCmd.Parse(os.Args[2:])
		a, err := openApp(*verifyDB, "", "", *verifyActor, *verifyPass)
		dieIf(err)
		defer a.close()
		dieIf(cmdAuditVerify(a))

	case "audit-purge":
		_ = purgeCmd.Parse(os.Args[2:])
		a, err := openApp(*purgeDB, "", "", *purgeActor, *purgePass)
		dieIf(err)
		defer a.close()
		dieIf(cmdAuditPurge(a, *purgeDays))

	case "migrate-ids":
		_ = migrateCmd.Parse(os.Args[2:])
		a, err := openApp(*migrateDB, "", "", *migrateActor, *migratePass)
		dieIf(err)
		defer a.close()
		dieIf(cmdMigrateIDs(a))

	default:
		usage()
	}
}

func usage() {
	fmt.Print(`cvctl commands:

  list         [--db path] --actor <id> [--passphrase]
  export       [--db path] --actor <id> --id <RECORD_ID> [--passphrase]
  sync         [--db path] --actor <id> --mongo URI [--mongodb carevault] [--passphrase]
  audit-verify [--db path] --actor <id> [--passphrase]
  audit-purge  [--db path] --actor <id> [--days 90] [--passphrase]
  migrate-ids  [--db path] --actor <id> [--passphrase]

Examples:
  cvctl list --actor clinician-7
  cvctl sync --actor clinician-7 --mongo mongodb://localhost:27017
  cvctl audit-verify --actor clinician-7
`)
}

// ============ App Bootstrap ============

type app struct {
	cfg    config.Config
	db     *localdb.DB
	keys   *keys.Manager
	codec  *crypto.Codec
	store  *records.Store
	ledger *audit.Ledger
	queue  *sync.Queue
	coord  *sync.Coordinator
	remote *sync.MongoRemote
}

func openApp(dbPath, mongoURI, mongoDB, actor string, usePassphrase bool) (*app, error) {
	cfg, err := config.Load(config.Config{
		DBPath:   dbPath,
		Actor:    actor,
		MongoURI: mongoURI,
		MongoDB:  mongoDB,
	})
	if err != nil {
		return nil, err
	}

	var passphrase []byte
	if usePassphrase {
		passphrase, err = promptSecret("Passphrase: ")
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(passphrase)
	}

	db, err := localdb.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	km, err := keys.Open(db, cfg.DeviceSecretPath, passphrase)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &app{
		cfg:    cfg,
		db:     db,
		keys:   km,
		codec:  crypto.NewCodec(km),
		queue:  sync.NewQueue(db),
		ledger: audit.NewLedger(db, km, nil),
	}
	a.store = records.NewStore(db, a.codec, nil)

	var remote sync.Remote
	if cfg.MongoURI != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.remote, err = sync.NewMongoRemote(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			a.close()
			return nil, err
		}
		remote = a.remote
	}
	a.coord = sync.NewCoordinator(cfg, a.store, a.queue, remote, a.codec, a.ledger, nil)
	a.store.SetSaveGuard(a.coord)
	return a, nil
}

func (a *app) close() {
	if a.remote != nil {
		_ = a.remote.Close(context.Background())
	}
	a.ledger.Close()
	a.keys.Close()
	_ = a.db.Close()
}

// ============ Commands ============

func cmdList(a *app) error {
	ctx := context.Background()
	recs, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range recs {
		fmt.Printf("%s  %-10s  %-9s  v%-3d  %s  %s\n",
			r.ID, r.Type, r.Status, r.RemoteVersion,
			r.LastModified.Format("2006-01-02 15:04"), r.DisplayName)
	}
	fmt.Printf("%d record(s)\n", len(recs))
	return nil
}

func cmdExport(a *app, id string) error {
	if id == "" {
		return errors.New("--id required")
	}
	ctx := context.Background()
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	a.ledger.Append(audit.ActionExport, id, "", audit.StatusSuccess, a.cfg.Actor)

	flat := sanitize.Flatten(rec.Payload)
	flat["displayName"] = rec.DisplayName
	flat["type"] = string(rec.Type)
	flat["status"] = string(rec.Status)
	clean := sanitize.Sanitize(flat)

	for _, k := range sanitize.Keys(clean) {
		fmt.Printf("%s\t%s\n", k, clean[k])
	}
	return nil
}

func cmdSync(a *app) error {
	if a.remote == nil {
		return errors.New("--mongo required for sync")
	}
	ctx := context.Background()

	if err := a.coord.Replay(ctx); err != nil {
		return err
	}
	swept, err := a.coord.SweepStaleLocks(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		fmt.Printf("expired %d stale lock(s)\n", swept)
	}

	recs, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	pushed, conflicts := 0, 0
	for _, r := range recs {
		err := a.coord.Push(ctx, r.ID)
		var conflict *sync.Conflict
		switch {
		case errors.As(err, &conflict):
			conflicts++
			fmt.Printf("conflict: %s (%s), remote updated %s; resolve with keep-local or take-remote\n",
				conflict.DisplayName, conflict.RecordID, conflict.RemoteUpdatedAt.Format(time.RFC3339))
		case err != nil:
			return err
		default:
			pushed++
		}
	}
	fmt.Printf("pushed %d record(s), %d conflict(s)\n", pushed, conflicts)
	return nil
}

func cmdAuditVerify(a *app) error {
	ctx := context.Background()
	rep, err := a.ledger.VerifyIntegrity(ctx)
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Println(string(b))
	if rep.Invalid > 0 {
		return fmt.Errorf("%d tampered entr(ies) detected", rep.Invalid)
	}
	return nil
}

func cmdAuditPurge(a *app, days int) error {
	ctx := context.Background()
	n, err := a.ledger.Purge(ctx, days)
	if err != nil {
		return err
	}
	a.ledger.Append(audit.ActionPurge, "", fmt.Sprintf("removed %d entries older than %d days", n, days),
		audit.StatusSuccess, a.cfg.Actor)
	a.ledger.Flush()
	fmt.Printf("purged %d entr(ies)\n", n)
	return nil
}

func cmdMigrateIDs(a *app) error {
	ctx := context.Background()
	n, err := a.coord.MigrateLegacyIDs(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("migrated %d record(s)\n", n)
	return nil
}

// ============ Utilities ============

func promptSecret(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	br := bufio.NewReader(os.Stdin)
	secret, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(secret) > 0 && secret[len(secret)-1] == '\n' {
		secret = secret[:len(secret)-1]
	}
	return secret, nil
}

func dieIf(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
